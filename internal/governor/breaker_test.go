package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsOnSpreadVolatility(t *testing.T) {
	b := NewBreaker(10, 5*time.Second)
	now := time.Now().UTC()

	// Calm market: alternating spreads with stddev well under the threshold.
	for i := 0; i < 16; i++ {
		reason := b.Observe("pair", 20+float64(i%2), now.Add(time.Duration(i)*time.Second))
		assert.Empty(t, reason)
	}
	_, tripped := b.Degraded("pair")
	assert.False(t, tripped)

	// A burst of wild spreads pushes the rolling stddev over 10bps.
	var reason string
	for i := 0; i < 8; i++ {
		spread := 20.0
		if i%2 == 0 {
			spread = 120.0
		}
		if r := b.Observe("pair", spread, now.Add(time.Duration(16+i)*time.Second)); r != "" {
			reason = r
		}
	}
	assert.NotEmpty(t, reason)
	_, tripped = b.Degraded("pair")
	assert.True(t, tripped)

	// Already tripped: further observations report nothing new.
	assert.Empty(t, b.Observe("pair", 500, now.Add(time.Minute)))
}

func TestBreakerTripsOnStaleQuotes(t *testing.T) {
	b := NewBreaker(1000, 5*time.Second)
	now := time.Now().UTC()

	b.Observe("pair", 10, now)
	assert.Empty(t, b.CheckStale("pair", now.Add(3*time.Second)))

	reason := b.CheckStale("pair", now.Add(8*time.Second))
	assert.NotEmpty(t, reason)
	_, tripped := b.Degraded("pair")
	assert.True(t, tripped)

	// No samples at all is not staleness.
	assert.Empty(t, b.CheckStale("other", now.Add(time.Hour)))
}

func TestBreakerResetIsManualOnly(t *testing.T) {
	b := NewBreaker(10, 5*time.Second)
	b.Trip("pair", "forced")

	_, tripped := b.Degraded("pair")
	assert.True(t, tripped)
	assert.Equal(t, map[string]string{"pair": "forced"}, b.Tripped())

	b.Reset("pair")
	_, tripped = b.Degraded("pair")
	assert.False(t, tripped)
	assert.Empty(t, b.Tripped())
}
