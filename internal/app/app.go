package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"lendwatch/internal/alerting"
	"lendwatch/internal/config"
	"lendwatch/internal/observability"
	"lendwatch/internal/oracle"
	"lendwatch/internal/protocol"
	"lendwatch/internal/protocol/alphalend"
	"lendwatch/internal/scheduler"
	"lendwatch/internal/service"
	"lendwatch/internal/storage"
	"lendwatch/internal/sui"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newChainClient(metrics *observability.Metrics) *sui.Client {
	return sui.NewClient(sui.Options{
		Endpoints: a.Config.Sui.Endpoints,
		Timeout:   a.Config.Sui.RequestTimeout,
	}, a.Logger, metrics)
}

// newRegistry builds an adapter for every configured protocol it knows how
// to integrate.
func (a *App) newRegistry(client *sui.Client) *protocol.Registry {
	var adapters []protocol.Adapter
	for name, protoCfg := range a.Config.Protocols {
		switch name {
		case "alphalend":
			adapters = append(adapters, alphalend.New(client, alphalend.Options{
				PackageID:        protoCfg.PackageID,
				PositionsTableID: protoCfg.PositionsTableID,
				MarketsTableID:   protoCfg.MarketsTableID,
				TokenDecimals:    protoCfg.TokenDecimals,
			}, a.Logger))
		default:
			a.Logger.Warn().Str("protocol", name).Msg("no adapter available for configured protocol")
		}
	}
	return protocol.NewRegistry(adapters...)
}

func (a *App) newOracle() oracle.Oracle {
	return oracle.NewPyth(oracle.PythOptions{
		BaseURL: a.Config.Oracle.HermesURL,
		Timeout: a.Config.Oracle.RequestTimeout,
		Feeds:   a.Config.Oracle.Feeds,
	}, a.Logger)
}

func (a *App) newNotifiers() []alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	var notifiers []alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(alerting.TelegramOptions{
			AlertBotToken: cfg.AlertBotToken,
			LogBotToken:   cfg.LogBotToken,
			ChatID:        cfg.ChatID,
			BaseURL:       cfg.APIBase,
			Timeout:       10 * time.Second,
		}, a.Logger))
	}
	if a.Config.Alerting.Email.Enabled {
		cfg := a.Config.Alerting.Email
		notifiers = append(notifiers, alerting.NewEmailNotifier(alerting.EmailOptions{
			Host:           cfg.SMTPHost,
			Port:           cfg.SMTPPort,
			SenderEmail:    cfg.SenderEmail,
			SenderPassword: cfg.SenderPassword,
			AlertEmail:     cfg.AlertEmail,
		}, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newMonitor(sched *scheduler.Scheduler, store *storage.Store, metrics *observability.Metrics) *service.Monitor {
	client := a.newChainClient(metrics)
	registry := a.newRegistry(client)
	orc := a.newOracle()
	notifiers := a.newNotifiers()

	var snapshots storage.SnapshotStore
	var events storage.AlertEventStore
	if store != nil {
		snapshots = store
		events = store
	}

	return service.New(a.Config, sched, registry, orc, notifiers, snapshots, events, metrics, a.Logger)
}

// Run executes the long-running position monitor.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	if addr := a.Config.Observability.MetricsAddr; addr != "" {
		server := observability.NewServer(addr, prometheus.DefaultGatherer, a.Logger)
		server.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToCycle,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	monitor := a.newMonitor(sched, store, metrics)

	a.Logger.Info().Int("wallets", len(a.Config.Wallets)).Msg("starting position monitor")
	err = monitor.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("position monitor stopped")
	return nil
}

// Check runs exactly one check cycle and exits.
func (a *App) Check(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	monitor := a.newMonitor(nil, store, nil)
	return monitor.RunCycle(ctx, time.Now().UTC())
}

// Report sends the daily position digest once and exits.
func (a *App) Report(ctx context.Context) error {
	monitor := a.newMonitor(nil, nil, nil)
	return monitor.Report(ctx)
}

// Migrate applies pending database migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot run migrations")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("applied", applied).
		Str("dir", a.Config.Database.MigrationsPath).
		Msg("database migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Wallet    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PurgeOptions configure history retention cleanup.
type PurgeOptions struct {
	OlderThan time.Duration
	DryRun    bool
}

// SimulateOptions configure the alert-flow simulation.
type SimulateOptions struct {
	LTVs []float64
	Send bool
}
