package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"lendwatch/internal/alerting"
	"lendwatch/internal/config"
	"lendwatch/internal/observability"
	"lendwatch/internal/oracle"
	"lendwatch/internal/position"
	"lendwatch/internal/protocol"
	"lendwatch/internal/scheduler"
	"lendwatch/internal/storage"
)

// Monitor orchestrates check cycles: fetch prices, fetch and value every
// configured wallet's positions, run the alert decision, dispatch intents,
// and persist history. It owns the per-position decision state; everything
// runs on the calling goroutine and cycles never overlap.
type Monitor struct {
	scheduler *scheduler.Scheduler
	registry  *protocol.Registry
	oracle    oracle.Oracle
	notifiers []alerting.Notifier
	snapshots storage.SnapshotStore
	events    storage.AlertEventStore
	metrics   *observability.Metrics
	logger    zerolog.Logger

	wallets     []config.WalletConfig
	feedSymbols []string
	liquidation map[string]decimal.Decimal
	thresholds  map[string]alerting.Thresholds
	engines     map[string]*alerting.Engine
	maxPriceAge time.Duration

	states  map[string]alerting.State
	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the monitor from configuration and its collaborators.
// snapshots and events may be nil to disable persistence.
func New(cfg *config.Config, sched *scheduler.Scheduler, registry *protocol.Registry, orc oracle.Oracle, notifiers []alerting.Notifier, snapshots storage.SnapshotStore, events storage.AlertEventStore, metrics *observability.Metrics, logger zerolog.Logger) *Monitor {
	feedSymbols := make([]string, 0, len(cfg.Oracle.Feeds))
	for symbol := range cfg.Oracle.Feeds {
		feedSymbols = append(feedSymbols, symbol)
	}
	sort.Strings(feedSymbols)

	liquidation := make(map[string]decimal.Decimal, len(cfg.Protocols))
	for name, proto := range cfg.Protocols {
		liquidation[name] = decimal.NewFromFloat(proto.LiquidationThresholdPct)
	}

	thresholds := make(map[string]alerting.Thresholds, len(cfg.Wallets))
	engines := make(map[string]*alerting.Engine)
	for _, wallet := range cfg.Wallets {
		warning, critical := cfg.ThresholdsFor(wallet)
		bounds := alerting.Thresholds{
			WarningPercent:  decimal.NewFromFloat(warning),
			CriticalPercent: decimal.NewFromFloat(critical),
		}
		thresholds[wallet.Address] = bounds
		for _, protoName := range wallet.Protocols {
			engines[engineKey(wallet.Address, protoName)] = alerting.NewEngine(bounds, subjectFor(wallet, protoName))
		}
	}

	var locker storage.AdvisoryLocker
	if l, ok := snapshots.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Monitor{
		scheduler:   sched,
		registry:    registry,
		oracle:      orc,
		notifiers:   notifiers,
		snapshots:   snapshots,
		events:      events,
		metrics:     metrics,
		logger:      logger.With().Str("component", "monitor").Logger(),
		wallets:     cfg.Wallets,
		feedSymbols: feedSymbols,
		liquidation: liquidation,
		thresholds:  thresholds,
		engines:     engines,
		maxPriceAge: cfg.Oracle.MaxPriceAge,
		states:      make(map[string]alerting.State),
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned monitoring loop.
func (m *Monitor) Run(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return m.scheduler.Run(ctx, m.RunCycle)
}

// RunCycle 执行单个检查周期。
func (m *Monitor) RunCycle(ctx context.Context, cycle time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return m.executeCycle(ctx, cycle)
}

func (m *Monitor) executeCycle(ctx context.Context, cycle time.Time) error {
	started := time.Now()
	cycleID := uuid.NewString()
	logger := m.logger.With().Str("cycle_id", cycleID).Logger()

	prices, err := m.oracle.Prices(ctx, m.feedSymbols)
	if err != nil {
		logger.Error().Err(err).Msg("price fetch failed, aborting cycle")
		for _, wallet := range m.wallets {
			for _, protoName := range wallet.Protocols {
				m.reportFailure(ctx, logger, subjectFor(wallet, protoName), cycle, err)
			}
		}
		m.metrics.CycleFinished("error", time.Since(started).Seconds(), cycle.Unix())
		return fmt.Errorf("fetch prices: %w", err)
	}

	tracked := 0
	failures := 0
	for _, wallet := range m.wallets {
		for _, protoName := range wallet.Protocols {
			n, checkErr := m.checkWallet(ctx, logger, cycleID, cycle, wallet, protoName, prices)
			if checkErr != nil {
				failures++
				continue
			}
			tracked += n
		}
	}

	m.metrics.TrackPositions(tracked)
	status := "ok"
	if failures > 0 {
		status = "partial"
	}
	m.metrics.CycleFinished(status, time.Since(started).Seconds(), cycle.Unix())
	logger.Info().Int("positions", tracked).Int("failed_checks", failures).Msg("check cycle complete")
	return nil
}

// cycleOutcome pairs one valued position with its decided intents and the
// state to commit.
type cycleOutcome struct {
	snap    position.Snapshot
	intents []alerting.Intent
	next    alerting.State
}

// checkWallet runs one wallet × protocol check. Decision state commits only
// after every position of the wallet valued cleanly, so a failed check cannot
// leave the wallet half-updated.
func (m *Monitor) checkWallet(ctx context.Context, logger zerolog.Logger, cycleID string, cycle time.Time, wallet config.WalletConfig, protoName string, prices oracle.PriceTable) (int, error) {
	subject := subjectFor(wallet, protoName)

	adapter, err := m.registry.Get(protoName)
	if err != nil {
		logger.Error().Err(err).Str("wallet", wallet.Address).Msg("protocol not registered")
		m.reportFailure(ctx, logger, subject, cycle, err)
		return 0, err
	}

	positions, err := adapter.FetchPositions(ctx, wallet.Address)
	if err != nil {
		logger.Error().Err(err).Str("wallet", wallet.Address).Str("protocol", protoName).Msg("failed to fetch positions")
		m.reportFailure(ctx, logger, subject, cycle, err)
		return 0, err
	}

	if len(positions) == 0 {
		m.dispatch(ctx, logger, alerting.Intent{
			Class:    alerting.ChannelLog,
			Severity: alerting.SeverityInfo,
			Subject:  subject,
			Title:    "No active positions",
			Message:  alerting.NoPositionsMessage(subject, cycle),
		})
		return 0, nil
	}

	engine := m.engines[engineKey(wallet.Address, protoName)]
	liq := m.liquidation[protoName]

	outcomes := make([]cycleOutcome, 0, len(positions))
	for _, pos := range positions {
		snap, evalErr := position.Evaluate(pos, prices, liq, m.maxPriceAge, cycle)
		if evalErr != nil {
			logger.Error().Err(evalErr).Str("wallet", wallet.Address).Str("position_id", pos.ID).Msg("position valuation failed")
			m.reportFailure(ctx, logger, subject, cycle, evalErr)
			return 0, evalErr
		}
		intents, next := engine.Decide(snap, m.states[pos.ID], cycle)
		outcomes = append(outcomes, cycleOutcome{snap: snap, intents: intents, next: next})
	}

	for _, outcome := range outcomes {
		m.states[outcome.snap.PositionID] = outcome.next

		logger.Info().
			Str("wallet", wallet.Address).
			Str("protocol", protoName).
			Str("position_id", outcome.snap.PositionID).
			Str("collateral_usd", outcome.snap.TotalCollateralUSD.StringFixed(2)).
			Str("borrowed_usd", outcome.snap.TotalDebtUSD.StringFixed(2)).
			Str("ltv", outcome.snap.FormatLTV()).
			Str("health_factor", outcome.snap.FormatHealthFactor()).
			Str("band", outcome.next.LastBand.String()).
			Msg("position evaluated")

		m.persistSnapshot(ctx, logger, cycleID, cycle, outcome.snap, outcome.next.LastBand)

		for _, intent := range outcome.intents {
			if intent.Class == alerting.ChannelAlert {
				m.metrics.AlertEmitted(intent.Severity.String())
				m.persistAlertEvent(ctx, logger, cycleID, cycle, intent)
			}
			m.dispatch(ctx, logger, intent)
		}
	}

	return len(positions), nil
}

// Report values every configured position right now and sends the daily
// digest through the alert channel.
func (m *Monitor) Report(ctx context.Context) error {
	now := time.Now().UTC()

	prices, err := m.oracle.Prices(ctx, m.feedSymbols)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}

	var sections []alerting.ReportSection
	for _, wallet := range m.wallets {
		section := alerting.ReportSection{Label: wallet.Label, Chain: wallet.Chain}
		if section.Label == "" {
			section.Label = alerting.ShortWallet(wallet.Address)
		}
		for _, protoName := range wallet.Protocols {
			adapter, regErr := m.registry.Get(protoName)
			if regErr != nil {
				return regErr
			}
			positions, fetchErr := adapter.FetchPositions(ctx, wallet.Address)
			if fetchErr != nil {
				return fmt.Errorf("fetch positions (%s, %s): %w", alerting.ShortWallet(wallet.Address), protoName, fetchErr)
			}
			for _, pos := range positions {
				snap, evalErr := position.Evaluate(pos, prices, m.liquidation[protoName], m.maxPriceAge, now)
				if evalErr != nil {
					return fmt.Errorf("evaluate position %s: %w", pos.ID, evalErr)
				}
				section.Entries = append(section.Entries, alerting.ReportEntry{
					Protocol: protoName,
					Band:     alerting.Classify(snap, m.thresholds[wallet.Address]),
					Snapshot: snap,
				})
			}
		}
		sections = append(sections, section)
	}

	intent := alerting.Intent{
		Class:    alerting.ChannelAlert,
		Severity: alerting.SeverityInfo,
		Title:    "📋 Daily DeFi Position Report",
		Message:  alerting.DailyReportMessage(sections, now),
	}
	m.metrics.AlertEmitted(intent.Severity.String())
	m.dispatch(ctx, m.logger, intent)

	m.logger.Info().Int("wallets", len(m.wallets)).Msg("daily report sent")
	return nil
}

// reportFailure surfaces a failed check through the routine status channel.
// Failures are reported as errors, never as a healthy valuation.
func (m *Monitor) reportFailure(ctx context.Context, logger zerolog.Logger, subject alerting.Subject, cycle time.Time, cause error) {
	m.dispatch(ctx, logger, alerting.Intent{
		Class:    alerting.ChannelLog,
		Severity: alerting.SeverityWarning,
		Subject:  subject,
		Title:    "Check cycle failed",
		Message:  alerting.CycleErrorMessage(subject, cause, cycle),
	})
}

func (m *Monitor) dispatch(ctx context.Context, logger zerolog.Logger, intent alerting.Intent) {
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, intent); err != nil {
			m.metrics.NotifierError(notifier.Name())
			logger.Error().Err(err).Str("notifier", notifier.Name()).Str("class", intent.Class.String()).Msg("failed to dispatch notification")
		}
	}
}

// snapshotBreakdown is the per-asset JSON stored alongside each snapshot row.
type snapshotBreakdown struct {
	CollateralUSD map[string]decimal.Decimal `json:"collateral_usd"`
	DebtUSD       map[string]decimal.Decimal `json:"debt_usd"`
}

func (m *Monitor) persistSnapshot(ctx context.Context, logger zerolog.Logger, cycleID string, cycle time.Time, snap position.Snapshot, band alerting.Band) {
	if m.snapshots == nil {
		return
	}

	breakdown, err := json.Marshal(snapshotBreakdown{
		CollateralUSD: snap.PerCollateralUSD,
		DebtUSD:       snap.PerDebtUSD,
	})
	if err != nil {
		logger.Error().Err(err).Str("position_id", snap.PositionID).Msg("failed to encode snapshot breakdown")
		breakdown = nil
	}

	rec := storage.SnapshotRecord{
		CycleID:                 cycleID,
		CycleTS:                 cycle,
		Wallet:                  snap.Wallet,
		Protocol:                snap.Protocol,
		PositionID:              snap.PositionID,
		Band:                    band.String(),
		TotalCollateralUSD:      snap.TotalCollateralUSD,
		TotalDebtUSD:            snap.TotalDebtUSD,
		LiquidationThresholdPct: snap.LiquidationThresholdPercent,
		IsHealthy:               snap.IsHealthy,
		IsLiquidatable:          snap.IsLiquidatable,
		Breakdown:               breakdown,
		CreatedAt:               time.Now().UTC(),
	}
	if !snap.LTVUnbounded {
		ltv := snap.LTVPercent
		rec.LTVPct = &ltv
	}
	if !snap.HealthFactorUnbounded {
		hf := snap.HealthFactor
		rec.HealthFactor = &hf
	}

	if err := m.snapshots.UpsertSnapshot(ctx, rec); err != nil {
		logger.Error().Err(err).Str("position_id", snap.PositionID).Msg("failed to upsert snapshot")
	}
}

func (m *Monitor) persistAlertEvent(ctx context.Context, logger zerolog.Logger, cycleID string, cycle time.Time, intent alerting.Intent) {
	if m.events == nil {
		return
	}
	rec := storage.AlertEventRecord{
		CycleID:    cycleID,
		CycleTS:    cycle,
		Wallet:     intent.Subject.Wallet,
		Protocol:   intent.Subject.Protocol,
		PositionID: intent.PositionID,
		Class:      intent.Class.String(),
		Severity:   intent.Severity.String(),
		Band:       intent.Band.String(),
		Title:      intent.Title,
	}
	if intent.PrevBand != nil {
		prev := intent.PrevBand.String()
		rec.PrevBand = &prev
	}
	if _, err := m.events.InsertAlertEvent(ctx, rec); err != nil {
		logger.Error().Err(err).Str("position_id", intent.PositionID).Msg("failed to persist alert event")
	}
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.lockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func subjectFor(wallet config.WalletConfig, protoName string) alerting.Subject {
	return alerting.Subject{
		Wallet:   wallet.Address,
		Label:    wallet.Label,
		Chain:    wallet.Chain,
		Protocol: protoName,
	}
}

func engineKey(wallet, protoName string) string {
	return wallet + "/" + protoName
}
