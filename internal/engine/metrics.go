package engine

import (
	"sort"
	"sync"
)

// minLatencySamples is how many observations a window needs before its p95 is
// trusted for SLA enforcement.
const minLatencySamples = 20

// latencyWindow is a fixed-size rolling buffer of latency samples in
// milliseconds.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (w *latencyWindow) add(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = ms
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// p95 returns the 95th percentile of the window and the sample count.
func (w *latencyWindow) p95() (float64, int) {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return 0, 0
	}
	sort.Float64s(sorted)
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx], n
}

// Metrics tracks the engine's order-cycle and hedge-latency distributions
// against their p95 ceilings.
type Metrics struct {
	orderCycle   *latencyWindow
	hedgeLatency *latencyWindow

	cycleCeilingMs float64
	hedgeCeilingMs float64
}

// NewMetrics creates latency tracking with the given p95 ceilings in
// milliseconds.
func NewMetrics(cycleCeilingMs, hedgeCeilingMs float64) *Metrics {
	return &Metrics{
		orderCycle:     newLatencyWindow(256),
		hedgeLatency:   newLatencyWindow(256),
		cycleCeilingMs: cycleCeilingMs,
		hedgeCeilingMs: hedgeCeilingMs,
	}
}

// ObserveOrderCycle records one end-to-end attempt duration and reports the
// current p95 and whether it breaches the ceiling.
func (m *Metrics) ObserveOrderCycle(ms float64) (float64, bool) {
	m.orderCycle.add(ms)
	p95, n := m.orderCycle.p95()
	return p95, n >= minLatencySamples && p95 > m.cycleCeilingMs
}

// ObserveHedgeLatency records the leg-A-fill to leg-B-ack delay and reports
// the current p95 and whether it breaches the ceiling.
func (m *Metrics) ObserveHedgeLatency(ms float64) (float64, bool) {
	m.hedgeLatency.add(ms)
	p95, n := m.hedgeLatency.p95()
	return p95, n >= minLatencySamples && p95 > m.hedgeCeilingMs
}

// LatencySnapshot is the current latency view for the status surface.
type LatencySnapshot struct {
	OrderCycleP95Ms   float64
	OrderCycleSamples int
	HedgeP95Ms        float64
	HedgeSamples      int
}

// Latencies returns the current p95 figures.
func (m *Metrics) Latencies() LatencySnapshot {
	var s LatencySnapshot
	s.OrderCycleP95Ms, s.OrderCycleSamples = m.orderCycle.p95()
	s.HedgeP95Ms, s.HedgeSamples = m.hedgeLatency.p95()
	return s
}
