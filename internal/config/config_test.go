package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPair() PairConfig {
	return PairConfig{
		Long:           LegConfig{Venue: "binance", Symbol: "BTCUSDT"},
		Short:          LegConfig{Venue: "okx", Symbol: "BTCUSDT"},
		OrderQty:       0.01,
		MinEdgeBps:     5,
		MaxSlippageBps: 3,
		Leverage:       2,
		MarginMode:     "cross",
	}
}

func TestDefaultsValidateInMonitorMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateTradeModeRequirements(t *testing.T) {
	cfg := Defaults()
	// Trade mode without pairs or a seal passphrase is not deployable.
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one pair is required")
	assert.Contains(t, err.Error(), "passphrase is required")

	cfg.Pairs = []PairConfig{validPair()}
	cfg.Integrity.Passphrase = "correct horse battery staple"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroOrderQtyInTradeMode(t *testing.T) {
	cfg := Defaults()
	cfg.Integrity.Passphrase = "x"
	pair := validPair()
	pair.OrderQty = 0
	cfg.Pairs = []PairConfig{pair}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_qty must be > 0")
}

func TestValidateRejectsDuplicatePairs(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Pairs = []PairConfig{validPair(), validPair()}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate pair binance:BTCUSDT/okx:BTCUSDT")
}

func TestValidateRejectsIdenticalLegs(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	pair := validPair()
	pair.Short = pair.Long
	cfg.Pairs = []PairConfig{pair}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "long and short legs must differ")
}

func TestValidateWatchdogRelations(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"

	cfg.Watchdog.ProbeTimeout = duration{2 * time.Second} // max_latency_ms is 1500
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe_timeout must be shorter")

	cfg = Defaults()
	cfg.Mode = "monitor"
	cfg.Watchdog.DownErrorRate = 0.10
	cfg.Watchdog.DegradedErrorRate = 0.20
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down_error_rate must exceed degraded_error_rate")
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "yolo"`)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Redis.Addr = ""
	cfg.Risk.DailyLossCapUSD = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: addr must not be empty")
	assert.Contains(t, err.Error(), "daily_loss_cap_usd must be > 0")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hedgebot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[engine]
orders_per_window = 25
rate_window = "3s"

[risk]
daily_loss_cap_usd = 2500.0

[[pairs]]
order_qty = 0.01
min_edge_bps = 6.0
max_slippage_bps = 3.0
leverage = 2
margin_mode = "cross"

  [pairs.long]
  venue = "binance"
  symbol = "BTCUSDT"

  [pairs.short]
  venue = "okx"
  symbol = "BTCUSDT"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 25, cfg.Engine.OrdersPerWindow)
	assert.Equal(t, 3*time.Second, cfg.Engine.RateWindow.Duration)
	assert.Equal(t, 2500.0, cfg.Risk.DailyLossCapUSD)

	// Untouched sections keep their defaults.
	assert.Equal(t, 1500, int(cfg.Engine.MaxLatencyMs))
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	require.Len(t, cfg.Pairs, 1)
	assert.Equal(t, "binance:BTCUSDT/okx:BTCUSDT", cfg.Pairs[0].Pair().Key())
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hedgebot.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"monitor\"\n"), 0o600))

	t.Setenv("HEDGEBOT_POSTGRES_PASSWORD", "s3cret")
	t.Setenv("HEDGEBOT_ENGINE_SCAN_INTERVAL", "7s")
	t.Setenv("HEDGEBOT_INTEGRITY_PASSPHRASE", "from-env")
	t.Setenv("HEDGEBOT_NOTIFY_EVENTS", "kill, hold")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
	assert.Equal(t, 7*time.Second, cfg.Engine.ScanInterval.Duration)
	assert.Equal(t, "from-env", cfg.Integrity.Passphrase)
	assert.Equal(t, []string{"kill", "hold"}, cfg.Notify.Events)
}

func TestPairConversion(t *testing.T) {
	pc := validPair()
	pc.FundingAvoidMinutes = 10
	pc.AltShortVenues = []LegConfig{{Venue: "bybit", Symbol: "BTCUSDT"}}

	pair := pc.Pair()
	assert.Equal(t, 10*time.Minute, pair.FundingAvoid)
	require.Len(t, pair.AltShortVenues, 1)
	assert.Equal(t, "bybit:BTCUSDT", pair.AltShortVenues[0].String())
}
