package governor

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// breakerSample is one observed cross-venue spread.
type breakerSample struct {
	spreadBps float64
	at        time.Time
}

// Breaker is the per-(symbol, venue-pair) volatility circuit breaker. It
// tracks a rolling standard deviation of the observed spread and data-feed
// staleness; a breach marks the pair degraded and excludes it from new
// entries. Recovery is manual only — no timer re-arms a degraded pair.
type Breaker struct {
	volThresholdBps float64
	stalenessMax    time.Duration
	window          int

	mu       sync.Mutex
	samples  map[string][]breakerSample
	tripped  map[string]string // pair key -> reason
}

// NewBreaker creates a Breaker with the given volatility threshold (bps of
// spread standard deviation) and maximum quote staleness.
func NewBreaker(volThresholdBps float64, stalenessMax time.Duration) *Breaker {
	return &Breaker{
		volThresholdBps: volThresholdBps,
		stalenessMax:    stalenessMax,
		window:          64,
		samples:         make(map[string][]breakerSample),
		tripped:         make(map[string]string),
	}
}

// Observe records a spread sample for the pair and trips the breaker when
// rolling volatility exceeds the threshold. It returns the trip reason when
// this observation tripped the breaker, otherwise "".
func (b *Breaker) Observe(pairKey string, spreadBps float64, at time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := append(b.samples[pairKey], breakerSample{spreadBps: spreadBps, at: at})
	if len(s) > b.window {
		s = s[len(s)-b.window:]
	}
	b.samples[pairKey] = s

	if _, already := b.tripped[pairKey]; already {
		return ""
	}
	if len(s) < 8 {
		return ""
	}
	if sd := stddev(s); sd > b.volThresholdBps {
		reason := "spread volatility " + formatBps(sd) + " exceeds threshold " + formatBps(b.volThresholdBps)
		b.tripped[pairKey] = reason
		return reason
	}
	return ""
}

// CheckStale trips the breaker when the freshest sample for the pair is
// older than the staleness limit. Returns the trip reason on a new trip.
func (b *Breaker) CheckStale(pairKey string, now time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, already := b.tripped[pairKey]; already {
		return ""
	}
	s := b.samples[pairKey]
	if len(s) == 0 {
		return ""
	}
	if age := now.Sub(s[len(s)-1].at); age > b.stalenessMax {
		reason := "quote feed stale for " + age.Truncate(time.Millisecond).String()
		b.tripped[pairKey] = reason
		return reason
	}
	return ""
}

// Trip forces the breaker open for the pair (used by the rescue counter).
func (b *Breaker) Trip(pairKey, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, already := b.tripped[pairKey]; !already {
		b.tripped[pairKey] = reason
	}
}

// Degraded reports whether the pair is excluded from new entries.
func (b *Breaker) Degraded(pairKey string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reason, ok := b.tripped[pairKey]
	return reason, ok
}

// Tripped returns all currently degraded pair keys.
func (b *Breaker) Tripped() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.tripped))
	for k, v := range b.tripped {
		out[k] = v
	}
	return out
}

// Reset re-enables the pair. Operator action only; there is deliberately no
// timer that calls this.
func (b *Breaker) Reset(pairKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tripped, pairKey)
	delete(b.samples, pairKey)
}

func stddev(s []breakerSample) float64 {
	var sum float64
	for _, x := range s {
		sum += x.spreadBps
	}
	mean := sum / float64(len(s))
	var acc float64
	for _, x := range s {
		d := x.spreadBps - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(s)))
}

func formatBps(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + "bps"
}
