package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HEDGEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HEDGEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "HEDGEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HEDGEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HEDGEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HEDGEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HEDGEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HEDGEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HEDGEBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HEDGEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HEDGEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HEDGEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "HEDGEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HEDGEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HEDGEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HEDGEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HEDGEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HEDGEBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "HEDGEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "HEDGEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HEDGEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "HEDGEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HEDGEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HEDGEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "HEDGEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "HEDGEBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "HEDGEBOT_S3_RETENTION_DAYS")

	// ── Engine ──
	setStr(&cfg.Engine.Mode, "HEDGEBOT_ENGINE_MODE")
	setInt64(&cfg.Engine.MaxLatencyMs, "HEDGEBOT_ENGINE_MAX_LATENCY_MS")
	setFloat64(&cfg.Engine.SlippageBudgetBps, "HEDGEBOT_ENGINE_SLIPPAGE_BUDGET_BPS")
	setFloat64(&cfg.Engine.NeutralityToleranceUSD, "HEDGEBOT_ENGINE_NEUTRALITY_TOLERANCE_USD")
	setFloat64(&cfg.Engine.OrderCycleP95CeilingMs, "HEDGEBOT_ENGINE_ORDER_CYCLE_P95_CEILING_MS")
	setFloat64(&cfg.Engine.HedgeLatencyP95CeilingMs, "HEDGEBOT_ENGINE_HEDGE_LATENCY_P95_CEILING_MS")
	setInt(&cfg.Engine.OrdersPerWindow, "HEDGEBOT_ENGINE_ORDERS_PER_WINDOW")
	setDuration(&cfg.Engine.RateWindow, "HEDGEBOT_ENGINE_RATE_WINDOW")
	setDuration(&cfg.Engine.PairLockTTL, "HEDGEBOT_ENGINE_PAIR_LOCK_TTL")
	setDuration(&cfg.Engine.ScanInterval, "HEDGEBOT_ENGINE_SCAN_INTERVAL")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxTotalNotionalUSD, "HEDGEBOT_RISK_MAX_TOTAL_NOTIONAL_USD")
	setInt(&cfg.Risk.MaxOpenPositions, "HEDGEBOT_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.MaxExposurePerSymbolUSD, "HEDGEBOT_RISK_MAX_EXPOSURE_PER_SYMBOL_USD")
	setFloat64(&cfg.Risk.MaxExposurePerVenueUSD, "HEDGEBOT_RISK_MAX_EXPOSURE_PER_VENUE_USD")
	setInt(&cfg.Risk.MaxLeveragePerVenue, "HEDGEBOT_RISK_MAX_LEVERAGE_PER_VENUE")
	setFloat64(&cfg.Risk.CrossVenueDeltaAbsMaxUSD, "HEDGEBOT_RISK_CROSS_VENUE_DELTA_ABS_MAX_USD")
	setFloat64(&cfg.Risk.DailyLossCapUSD, "HEDGEBOT_RISK_DAILY_LOSS_CAP_USD")
	setFloat64(&cfg.Risk.StressShockPct, "HEDGEBOT_RISK_STRESS_SHOCK_PCT")
	setFloat64(&cfg.Risk.StressLimitUSD, "HEDGEBOT_RISK_STRESS_LIMIT_USD")
	setDuration(&cfg.Risk.RescueWindow, "HEDGEBOT_RISK_RESCUE_WINDOW")
	setInt(&cfg.Risk.RescueTrips, "HEDGEBOT_RISK_RESCUE_TRIPS")
	setFloat64(&cfg.Risk.SpreadVolThresholdBps, "HEDGEBOT_RISK_SPREAD_VOL_THRESHOLD_BPS")
	setDuration(&cfg.Risk.QuoteStalenessMax, "HEDGEBOT_RISK_QUOTE_STALENESS_MAX")
	setDuration(&cfg.Risk.EvalInterval, "HEDGEBOT_RISK_EVAL_INTERVAL")

	// ── Watchdog ──
	setDuration(&cfg.Watchdog.ProbeInterval, "HEDGEBOT_WATCHDOG_PROBE_INTERVAL")
	setDuration(&cfg.Watchdog.ProbeTimeout, "HEDGEBOT_WATCHDOG_PROBE_TIMEOUT")
	setDuration(&cfg.Watchdog.WindowSize, "HEDGEBOT_WATCHDOG_WINDOW_SIZE")
	setFloat64(&cfg.Watchdog.DownErrorRate, "HEDGEBOT_WATCHDOG_DOWN_ERROR_RATE")
	setFloat64(&cfg.Watchdog.DegradedErrorRate, "HEDGEBOT_WATCHDOG_DEGRADED_ERROR_RATE")
	setInt(&cfg.Watchdog.StableWindows, "HEDGEBOT_WATCHDOG_STABLE_WINDOWS")

	// ── Recon ──
	setDuration(&cfg.Recon.Interval, "HEDGEBOT_RECON_INTERVAL")
	setFloat64(&cfg.Recon.QtyTolerance, "HEDGEBOT_RECON_QTY_TOLERANCE")
	setFloat64(&cfg.Recon.NotionalToleranceUSD, "HEDGEBOT_RECON_NOTIONAL_TOLERANCE_USD")

	// ── Integrity ──
	setBool(&cfg.Integrity.Enabled, "HEDGEBOT_INTEGRITY_ENABLED")
	setStr(&cfg.Integrity.Passphrase, "HEDGEBOT_INTEGRITY_PASSPHRASE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "HEDGEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HEDGEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HEDGEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "HEDGEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "HEDGEBOT_MODE")
	setStr(&cfg.LogLevel, "HEDGEBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
