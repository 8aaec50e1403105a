// Package config defines the top-level configuration for the hedge bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by HEDGEBOT_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Engine    EngineConfig    `toml:"engine"`
	Risk      RiskConfig      `toml:"risk"`
	Watchdog  WatchdogConfig  `toml:"watchdog"`
	Recon     ReconConfig     `toml:"recon"`
	Integrity IntegrityConfig `toml:"integrity"`
	Notify    NotifyConfig    `toml:"notify"`
	Pairs     []PairConfig    `toml:"pairs"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the journal
// archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// EngineConfig holds execution engine parameters.
type EngineConfig struct {
	Mode                     string   `toml:"mode"` // "ioc" or "maker_fallback"
	MaxLatencyMs             int64    `toml:"max_latency_ms"`
	SlippageBudgetBps        float64  `toml:"slippage_budget_bps"`
	NeutralityToleranceUSD   float64  `toml:"neutrality_tolerance_usd"`
	OrderCycleP95CeilingMs   float64  `toml:"order_cycle_p95_ceiling_ms"`
	HedgeLatencyP95CeilingMs float64  `toml:"hedge_latency_p95_ceiling_ms"`
	OrdersPerWindow          int      `toml:"orders_per_window"`
	RateWindow               duration `toml:"rate_window"`
	PairLockTTL              duration `toml:"pair_lock_ttl"`
	ScanInterval             duration `toml:"scan_interval"`
	Strategy                 string   `toml:"strategy"`
}

// RiskConfig holds risk governor caps and breaker parameters.
type RiskConfig struct {
	MaxTotalNotionalUSD      float64  `toml:"max_total_notional_usd"`
	MaxOpenPositions         int      `toml:"max_open_positions"`
	MaxExposurePerSymbolUSD  float64  `toml:"max_exposure_per_symbol_usd"`
	MaxExposurePerVenueUSD   float64  `toml:"max_exposure_per_venue_usd"`
	MaxLeveragePerVenue      int      `toml:"max_leverage_per_venue"`
	CrossVenueDeltaAbsMaxUSD float64  `toml:"cross_venue_delta_abs_max_usd"`
	DailyLossCapUSD          float64  `toml:"daily_loss_cap_usd"`
	StressShockPct           float64  `toml:"stress_shock_pct"`
	StressLimitUSD           float64  `toml:"stress_limit_usd"`
	RescueWindow             duration `toml:"rescue_window"`
	RescueTrips              int      `toml:"rescue_trips"`
	SpreadVolThresholdBps    float64  `toml:"spread_vol_threshold_bps"`
	QuoteStalenessMax        duration `toml:"quote_staleness_max"`
	EvalInterval             duration `toml:"eval_interval"`
}

// WatchdogConfig holds venue health-tracking parameters.
type WatchdogConfig struct {
	ProbeInterval     duration          `toml:"probe_interval"`
	ProbeTimeout      duration          `toml:"probe_timeout"`
	WindowSize        duration          `toml:"window_size"`
	DownErrorRate     float64           `toml:"down_error_rate"`
	DegradedErrorRate float64           `toml:"degraded_error_rate"`
	StableWindows     int               `toml:"stable_windows"`
	WSProbeURLs       map[string]string `toml:"ws_probe_urls"` // venue -> websocket endpoint
}

// ReconConfig holds reconciliation parameters.
type ReconConfig struct {
	Interval             duration `toml:"interval"`
	QtyTolerance         float64  `toml:"qty_tolerance"`
	NotionalToleranceUSD float64  `toml:"notional_tolerance_usd"`
}

// IntegrityConfig holds the control-state tamper-seal parameters. The
// passphrase is normally injected via HEDGEBOT_INTEGRITY_PASSPHRASE.
type IntegrityConfig struct {
	Enabled    bool   `toml:"enabled"`
	Passphrase string `toml:"passphrase"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// PairConfig is the TOML shape of one arbitrage pair.
type PairConfig struct {
	Long                LegConfig   `toml:"long"`
	Short               LegConfig   `toml:"short"`
	AltShortVenues      []LegConfig `toml:"alt_short_venues"`
	OrderQty            float64     `toml:"order_qty"`
	MinEdgeBps          float64     `toml:"min_edge_bps"`
	MaxSlippageBps      float64     `toml:"max_slippage_bps"`
	FundingAvoidMinutes int         `toml:"funding_avoid_minutes"`
	Leverage            int         `toml:"leverage"`
	MarginMode          string      `toml:"margin_mode"`
}

// LegConfig is the TOML shape of one pair leg.
type LegConfig struct {
	Venue  string `toml:"venue"`
	Symbol string `toml:"symbol"`
}

// Pair converts the TOML shape into the domain value.
func (p PairConfig) Pair() domain.ArbitragePair {
	out := domain.ArbitragePair{
		Long:           domain.PairLeg{Venue: domain.VenueName(p.Long.Venue), Symbol: p.Long.Symbol},
		Short:          domain.PairLeg{Venue: domain.VenueName(p.Short.Venue), Symbol: p.Short.Symbol},
		MinEdgeBps:     p.MinEdgeBps,
		MaxSlippageBps: p.MaxSlippageBps,
		FundingAvoid:   time.Duration(p.FundingAvoidMinutes) * time.Minute,
		Leverage:       p.Leverage,
		MarginMode:     p.MarginMode,
	}
	for _, alt := range p.AltShortVenues {
		out.AltShortVenues = append(out.AltShortVenues, domain.PairLeg{
			Venue: domain.VenueName(alt.Venue), Symbol: alt.Symbol,
		})
	}
	return out
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hedgebot",
			User:          "hedgebot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "hedgebot-journal",
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Engine: EngineConfig{
			Mode:                     "ioc",
			MaxLatencyMs:             1500,
			SlippageBudgetBps:        3.0,
			NeutralityToleranceUSD:   5.0,
			OrderCycleP95CeilingMs:   2500,
			HedgeLatencyP95CeilingMs: 2000,
			OrdersPerWindow:          10,
			RateWindow:               duration{time.Second},
			PairLockTTL:              duration{30 * time.Second},
			ScanInterval:             duration{2 * time.Second},
			Strategy:                 "xvenue_hedge",
		},
		Risk: RiskConfig{
			MaxTotalNotionalUSD:      100_000,
			MaxOpenPositions:         8,
			MaxExposurePerSymbolUSD:  25_000,
			MaxExposurePerVenueUSD:   60_000,
			MaxLeveragePerVenue:      5,
			CrossVenueDeltaAbsMaxUSD: 500,
			DailyLossCapUSD:          1_000,
			StressShockPct:           0.10,
			StressLimitUSD:           10_000,
			RescueWindow:             duration{10 * time.Minute},
			RescueTrips:              2,
			SpreadVolThresholdBps:    25,
			QuoteStalenessMax:        duration{5 * time.Second},
			EvalInterval:             duration{10 * time.Second},
		},
		Watchdog: WatchdogConfig{
			ProbeInterval:     duration{5 * time.Second},
			ProbeTimeout:      duration{800 * time.Millisecond},
			WindowSize:        duration{time.Minute},
			DownErrorRate:     0.50,
			DegradedErrorRate: 0.15,
			StableWindows:     2,
			WSProbeURLs:       map[string]string{},
		},
		Recon: ReconConfig{
			Interval:             duration{30 * time.Second},
			QtyTolerance:         1e-6,
			NotionalToleranceUSD: 5.0,
		},
		Integrity: IntegrityConfig{Enabled: true},
		Notify: NotifyConfig{
			Events: []string{"incident", "hold", "kill", "rescue", "recon_mismatch"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"recover": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, recover)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Engine
	if c.Engine.Mode != string(domain.ExecModeIOC) && c.Engine.Mode != string(domain.ExecModeMakerFallback) {
		errs = append(errs, fmt.Sprintf("engine: mode must be %q or %q, got %q",
			domain.ExecModeIOC, domain.ExecModeMakerFallback, c.Engine.Mode))
	}
	if c.Engine.MaxLatencyMs <= 0 {
		errs = append(errs, "engine: max_latency_ms must be > 0")
	}
	if c.Engine.NeutralityToleranceUSD <= 0 {
		errs = append(errs, "engine: neutrality_tolerance_usd must be > 0")
	}
	if c.Engine.OrdersPerWindow < 1 {
		errs = append(errs, "engine: orders_per_window must be >= 1")
	}

	// Risk
	if c.Risk.MaxTotalNotionalUSD <= 0 {
		errs = append(errs, "risk: max_total_notional_usd must be > 0")
	}
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if c.Risk.DailyLossCapUSD <= 0 {
		errs = append(errs, "risk: daily_loss_cap_usd must be > 0")
	}
	if c.Risk.StressShockPct <= 0 || c.Risk.StressShockPct >= 1 {
		errs = append(errs, "risk: stress_shock_pct must be in (0, 1)")
	}
	if c.Risk.RescueTrips < 1 {
		errs = append(errs, "risk: rescue_trips must be >= 1")
	}

	// Watchdog: the probe must be able to fail faster than a trade deadline,
	// otherwise a stalled venue is discovered by the trade instead of us.
	if c.Watchdog.ProbeTimeout.Duration >= time.Duration(c.Engine.MaxLatencyMs)*time.Millisecond {
		errs = append(errs, "watchdog: probe_timeout must be shorter than engine.max_latency_ms")
	}
	if c.Watchdog.StableWindows < 1 {
		errs = append(errs, "watchdog: stable_windows must be >= 1")
	}
	if c.Watchdog.DownErrorRate <= c.Watchdog.DegradedErrorRate {
		errs = append(errs, "watchdog: down_error_rate must exceed degraded_error_rate")
	}

	// Recon
	if c.Recon.Interval.Duration <= 0 {
		errs = append(errs, "recon: interval must be > 0")
	}
	if c.Recon.QtyTolerance < 0 {
		errs = append(errs, "recon: qty_tolerance must be >= 0")
	}

	// Integrity
	if c.Integrity.Enabled && c.Mode == "trade" && c.Integrity.Passphrase == "" {
		errs = append(errs, "integrity: passphrase is required in trade mode (set HEDGEBOT_INTEGRITY_PASSPHRASE)")
	}

	// Pairs
	if c.Mode == "trade" && len(c.Pairs) == 0 {
		errs = append(errs, "pairs: at least one pair is required in trade mode")
	}
	seen := map[string]bool{}
	for i, p := range c.Pairs {
		if p.Long.Venue == "" || p.Long.Symbol == "" || p.Short.Venue == "" || p.Short.Symbol == "" {
			errs = append(errs, fmt.Sprintf("pairs[%d]: long and short venue/symbol must all be set", i))
			continue
		}
		if p.Long.Venue == p.Short.Venue && p.Long.Symbol == p.Short.Symbol {
			errs = append(errs, fmt.Sprintf("pairs[%d]: long and short legs must differ", i))
		}
		if p.MinEdgeBps <= 0 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: min_edge_bps must be > 0", i))
		}
		if c.Mode == "trade" && p.OrderQty <= 0 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: order_qty must be > 0 in trade mode", i))
		}
		key := p.Pair().Key()
		if seen[key] {
			errs = append(errs, fmt.Sprintf("pairs[%d]: duplicate pair %s", i, key))
		}
		seen[key] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
