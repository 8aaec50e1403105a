package journal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openquant/hedgebot/internal/domain"
)

func TestClientIDDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 1, 0, time.UTC)

	a := ClientID("xvenue_hedge", "binance", "BTCUSDT", domain.OrderSideBuy, at, DefaultBucket, "plan-1/leg_a")
	b := ClientID("xvenue_hedge", "binance", "BTCUSDT", domain.OrderSideBuy, at, DefaultBucket, "plan-1/leg_a")
	assert.Equal(t, a, b)

	assert.True(t, strings.HasPrefix(a, "hb-"))
	assert.Len(t, a, len("hb-")+20)
}

func TestClientIDStableWithinBucket(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	retry := at.Add(2 * time.Second) // same 5s bucket

	a := ClientID("s", "okx", "ETHUSDT", domain.OrderSideSell, at, DefaultBucket, "plan-1/leg_b")
	b := ClientID("s", "okx", "ETHUSDT", domain.OrderSideSell, retry, DefaultBucket, "plan-1/leg_b")
	assert.Equal(t, a, b, "a retry inside the bucket must reuse the identifier")

	later := at.Add(7 * time.Second)
	c := ClientID("s", "okx", "ETHUSDT", domain.OrderSideSell, later, DefaultBucket, "plan-1/leg_b")
	assert.NotEqual(t, a, c, "a new bucket is a new logical order")
}

func TestClientIDVariesPerInput(t *testing.T) {
	at := time.Now().UTC()
	base := ClientID("s", "binance", "BTCUSDT", domain.OrderSideBuy, at, DefaultBucket, "plan-1/leg_a")

	assert.NotEqual(t, base, ClientID("s", "binance", "BTCUSDT", domain.OrderSideBuy, at, DefaultBucket, "plan-1/leg_b"))
	assert.NotEqual(t, base, ClientID("s", "binance", "BTCUSDT", domain.OrderSideSell, at, DefaultBucket, "plan-1/leg_a"))
	assert.NotEqual(t, base, ClientID("s", "okx", "BTCUSDT", domain.OrderSideBuy, at, DefaultBucket, "plan-1/leg_a"))
	assert.NotEqual(t, base, ClientID("other", "binance", "BTCUSDT", domain.OrderSideBuy, at, DefaultBucket, "plan-1/leg_a"))
}

func TestClientIDZeroBucketUsesDefault(t *testing.T) {
	at := time.Now().UTC()
	a := ClientID("s", "binance", "BTCUSDT", domain.OrderSideBuy, at, 0, "n")
	b := ClientID("s", "binance", "BTCUSDT", domain.OrderSideBuy, at, DefaultBucket, "n")
	assert.Equal(t, a, b)
}
