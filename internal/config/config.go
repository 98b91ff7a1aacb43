package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"lendwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig                 `mapstructure:"app"`
	Logging       logging.Config            `mapstructure:"logging"`
	Database      DatabaseConfig            `mapstructure:"database"`
	Scheduler     SchedulerConfig           `mapstructure:"scheduler"`
	Sui           SuiConfig                 `mapstructure:"sui"`
	Oracle        OracleConfig              `mapstructure:"oracle"`
	Protocols     map[string]ProtocolConfig `mapstructure:"protocols"`
	Wallets       []WalletConfig            `mapstructure:"wallets"`
	Alerting      AlertingConfig            `mapstructure:"alerting"`
	Observability ObservabilityConfig       `mapstructure:"observability"`
	Export        ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN leaves
// snapshot persistence disabled.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs check cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToCycle    bool          `mapstructure:"align_to_cycle"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SuiConfig covers chain RPC access. Endpoints are tried in order; the
// first entry is the primary.
type SuiConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OracleConfig captures Pyth Hermes connectivity and the symbol to price
// feed mapping.
type OracleConfig struct {
	HermesURL      string            `mapstructure:"hermes_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	MaxPriceAge    time.Duration     `mapstructure:"max_price_age"`
	Feeds          map[string]string `mapstructure:"feeds"`
}

// ProtocolConfig locates one lending protocol deployment.
type ProtocolConfig struct {
	PackageID               string           `mapstructure:"package_id"`
	PositionsTableID        string           `mapstructure:"positions_table_id"`
	MarketsTableID          string           `mapstructure:"markets_table_id"`
	LiquidationThresholdPct float64          `mapstructure:"liquidation_threshold_pct"`
	TokenDecimals           map[string]int32 `mapstructure:"token_decimals"`
}

// WalletConfig describes one monitored wallet. Threshold overrides are
// optional; unset values fall back to the global alerting thresholds.
type WalletConfig struct {
	Address              string   `mapstructure:"address"`
	Label                string   `mapstructure:"label"`
	Chain                string   `mapstructure:"chain"`
	Protocols            []string `mapstructure:"protocols"`
	WarningThresholdPct  *float64 `mapstructure:"warning_threshold_pct"`
	CriticalThresholdPct *float64 `mapstructure:"critical_threshold_pct"`
}

// AlertingConfig defines risk thresholds and notification routing.
type AlertingConfig struct {
	Enabled              bool           `mapstructure:"enabled"`
	WarningThresholdPct  float64        `mapstructure:"warning_threshold_pct"`
	CriticalThresholdPct float64        `mapstructure:"critical_threshold_pct"`
	Telegram             TelegramConfig `mapstructure:"telegram"`
	Email                EmailConfig    `mapstructure:"email"`
}

// TelegramConfig 描述 Telegram 通知参数。alert_bot 负责告警, log_bot 负责
// 例行状态(静默推送), 共用一个 chat。
type TelegramConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	AlertBotToken string `mapstructure:"alert_bot_token"`
	LogBotToken   string `mapstructure:"log_bot_token"`
	ChatID        string `mapstructure:"chat_id"`
	APIBase       string `mapstructure:"api_base"`
}

// EmailConfig covers SMTP alert delivery.
type EmailConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SMTPHost       string `mapstructure:"smtp_host"`
	SMTPPort       int    `mapstructure:"smtp_port"`
	SenderEmail    string `mapstructure:"sender_email"`
	SenderPassword string `mapstructure:"sender_password"`
	AlertEmail     string `mapstructure:"alert_email"`
}

// ObservabilityConfig exposes Prometheus metrics. An empty address
// disables the listener.
type ObservabilityConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LENDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper lowercases map keys; token symbols are uppercase everywhere else.
	cfg.Oracle.Feeds = upperFeedKeys(cfg.Oracle.Feeds)
	for name, proto := range cfg.Protocols {
		proto.TokenDecimals = upperDecimalKeys(proto.TokenDecimals)
		cfg.Protocols[name] = proto
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func upperFeedKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func upperDecimalKeys(in map[string]int32) map[string]int32 {
	out := make(map[string]int32, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lendwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_cycle", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c656e64))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("sui.endpoints", []string{
		"https://fullnode.mainnet.sui.io:443",
		"https://sui-mainnet.nodeinfra.com",
		"https://sui-mainnet-endpoint.blockvision.org",
	})
	v.SetDefault("sui.request_timeout", "30s")

	v.SetDefault("oracle.hermes_url", "https://hermes.pyth.network")
	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.max_price_age", "5m")
	v.SetDefault("oracle.feeds", map[string]string{
		"SUI":  "23d7315113f5b1d3ba7a83604c44b94d79f4fd69af77f804fc7f920a6dc65744",
		"BTC":  "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
		"XBTC": "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
		"USDC": "eaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a",
		"USDT": "2b89b9dc8fdf9f34709a5b106b472f0f39bb6ca9ce04b0fd7f2e971688e2e53b",
		"ETH":  "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
	})

	v.SetDefault("protocols.alphalend.package_id", "0xd631cd66138909636fc3f73ed75820d0c5b76332d1644608ed1c85ea2b8219b4")
	v.SetDefault("protocols.alphalend.positions_table_id", "0x9923cec7b613e58cc3feec1e8651096ad7970c0b4ef28b805c7d97fe58ff91ba")
	v.SetDefault("protocols.alphalend.markets_table_id", "0x2326d387ba8bb7d24aa4cfa31f9a1e58bf9234b097574afb06c5dfb267df4c2e")
	v.SetDefault("protocols.alphalend.liquidation_threshold_pct", 85.0)
	v.SetDefault("protocols.alphalend.token_decimals", map[string]int32{
		"USDC": 6,
		"USDT": 6,
		"XBTC": 8,
		"SUI":  9,
	})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.warning_threshold_pct", 70.0)
	v.SetDefault("alerting.critical_threshold_pct", 80.0)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.smtp_host", "smtp.gmail.com")
	v.SetDefault("alerting.email.smtp_port", 587)

	v.SetDefault("observability.metrics_addr", "")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Sui.Endpoints) == 0 {
		return fmt.Errorf("sui.endpoints must list at least one RPC endpoint")
	}
	if c.Oracle.HermesURL == "" {
		return fmt.Errorf("oracle.hermes_url must be configured")
	}
	if c.Oracle.MaxPriceAge < 0 {
		return fmt.Errorf("oracle.max_price_age cannot be negative")
	}

	if c.Alerting.WarningThresholdPct <= 0 {
		return fmt.Errorf("alerting.warning_threshold_pct must be greater than zero")
	}
	if c.Alerting.CriticalThresholdPct <= c.Alerting.WarningThresholdPct {
		return fmt.Errorf("alerting.critical_threshold_pct must exceed the warning threshold")
	}

	for i, w := range c.Wallets {
		if w.Address == "" {
			return fmt.Errorf("wallets[%d].address must be configured", i)
		}
		if len(w.Protocols) == 0 {
			return fmt.Errorf("wallets[%d].protocols must name at least one protocol", i)
		}
		for _, proto := range w.Protocols {
			if _, ok := c.Protocols[proto]; !ok {
				return fmt.Errorf("wallets[%d] references unknown protocol %q", i, proto)
			}
		}
		warning, critical := c.ThresholdsFor(w)
		if critical <= warning {
			return fmt.Errorf("wallets[%d]: critical threshold %.2f must exceed warning threshold %.2f", i, critical, warning)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.AlertBotToken == "" {
			return fmt.Errorf("alerting.telegram.alert_bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.SenderEmail == "" || c.Alerting.Email.AlertEmail == "" {
			return fmt.Errorf("alerting.email requires sender_email and alert_email")
		}
	}

	return nil
}

// ThresholdsFor resolves the effective warning and critical thresholds for
// a wallet, applying per-wallet overrides over the global values.
func (c *Config) ThresholdsFor(w WalletConfig) (warning, critical float64) {
	warning = c.Alerting.WarningThresholdPct
	critical = c.Alerting.CriticalThresholdPct
	if w.WarningThresholdPct != nil {
		warning = *w.WarningThresholdPct
	}
	if w.CriticalThresholdPct != nil {
		critical = *w.CriticalThresholdPct
	}
	return warning, critical
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
