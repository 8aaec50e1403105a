// Package watchdog classifies venue health from rolling probe windows. A
// venue's classification only recovers after a configured number of
// consecutive clean windows, so a flapping venue stays excluded.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// IncidentSink receives venue incidents. Implemented by the risk governor.
type IncidentSink interface {
	RaiseIncident(ctx context.Context, inc domain.Incident) (domain.Incident, error)
}

// Options bundles the watchdog's constructor dependencies.
type Options struct {
	Venues        map[domain.VenueName]domain.VenueAdapter
	Incidents     IncidentSink
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	WindowSize    time.Duration
	DownRate      float64
	DegradedRate  float64
	StableWindows int
	WSProbeURLs   map[domain.VenueName]string
	Logger        *slog.Logger
}

// Watchdog probes every venue on a fixed interval and exposes the resulting
// classification to the engine and the status surface.
type Watchdog struct {
	venues        map[domain.VenueName]domain.VenueAdapter
	incidents     IncidentSink
	probeInterval time.Duration
	probeTimeout  time.Duration
	windowSize    time.Duration
	downRate      float64
	degradedRate  float64
	stableWindows int
	wsURLs        map[domain.VenueName]string
	logger        *slog.Logger

	mu     sync.RWMutex
	states map[domain.VenueName]*venueState
}

type venueState struct {
	health        domain.VenueHealth
	windowStart   time.Time
	probes        int
	failures      int
	wsDisconnects int
	stableRun     int
}

// New creates a Watchdog with every venue initially OK.
func New(opts Options) *Watchdog {
	w := &Watchdog{
		venues:        opts.Venues,
		incidents:     opts.Incidents,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		windowSize:    opts.WindowSize,
		downRate:      opts.DownRate,
		degradedRate:  opts.DegradedRate,
		stableWindows: opts.StableWindows,
		wsURLs:        opts.WSProbeURLs,
		logger:        opts.Logger.With(slog.String("component", "watchdog")),
		states:        make(map[domain.VenueName]*venueState),
	}
	now := time.Now().UTC()
	for name := range opts.Venues {
		w.states[name] = &venueState{
			health:      domain.VenueHealth{Venue: name, Status: domain.VenueOK, UpdatedAt: now},
			windowStart: now,
		}
	}
	return w
}

// Health returns the current classification for the venue; unknown venues
// are reported DOWN so the engine never trades through a venue the watchdog
// is not tracking.
func (w *Watchdog) Health(venue domain.VenueName) domain.VenueHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if s, ok := w.states[venue]; ok {
		return s.health
	}
	return domain.VenueHealth{Venue: venue, Status: domain.VenueDown}
}

// Healths returns the classification of every tracked venue.
func (w *Watchdog) Healths() []domain.VenueHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]domain.VenueHealth, 0, len(w.states))
	for _, s := range w.states {
		out = append(out, s.health)
	}
	return out
}

// Run probes every venue on the configured interval until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("watchdog started",
		slog.Duration("probe_interval", w.probeInterval),
		slog.Duration("window", w.windowSize),
	)
	defer w.logger.Info("watchdog stopped")

	ticker := time.NewTicker(w.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for name, adapter := range w.venues {
				w.probe(ctx, name, adapter)
			}
		}
	}
}

func (w *Watchdog) probe(ctx context.Context, name domain.VenueName, adapter domain.VenueAdapter) {
	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	latency, err := adapter.Ping(probeCtx)
	cancel()

	wsFailed := false
	if url, ok := w.wsURLs[name]; ok && url != "" {
		if werr := probeWebsocket(ctx, url, w.probeTimeout); werr != nil {
			wsFailed = true
			w.logger.DebugContext(ctx, "websocket probe failed",
				slog.String("venue", string(name)),
				slog.String("error", werr.Error()),
			)
		}
	}

	w.mu.Lock()
	s := w.states[name]
	s.probes++
	if err != nil || wsFailed {
		s.failures++
	}
	if wsFailed {
		s.wsDisconnects++
	}
	if err == nil {
		s.health.PingLatency = latency
	}

	var transition *domain.VenueHealth
	now := time.Now().UTC()
	if now.Sub(s.windowStart) >= w.windowSize {
		transition = w.closeWindow(s, now)
	}
	w.mu.Unlock()

	// DOWN is a P0: through the governor sink it halts trading outright, not
	// just routing around the dead venue.
	if transition != nil && transition.Status == domain.VenueDown {
		_, _ = w.incidents.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentVenueDown,
			Severity:  domain.SeverityP0,
			Component: "watchdog",
			Summary:   fmt.Sprintf("venue %s classified DOWN (error rate %.0f%%)", name, transition.ErrorRate*100),
			Detail:    map[string]any{"venue": string(name), "error_rate": transition.ErrorRate},
		})
	}
}

// closeWindow classifies the finished window and rolls the counters. Callers
// hold w.mu. It returns the new health when the status changed.
func (w *Watchdog) closeWindow(s *venueState, now time.Time) *domain.VenueHealth {
	rate := 0.0
	if s.probes > 0 {
		rate = float64(s.failures) / float64(s.probes)
	}

	prev := s.health.Status
	next := prev
	switch {
	case rate >= w.downRate:
		next = domain.VenueDown
		s.stableRun = 0
	case rate >= w.degradedRate:
		next = domain.VenueDegraded
		s.stableRun = 0
	default:
		s.stableRun++
		// A troubled venue must hold clean windows before it is trusted again.
		if prev == domain.VenueOK || s.stableRun >= w.stableWindows {
			next = domain.VenueOK
		}
	}

	s.health.Status = next
	s.health.ErrorRate = rate
	s.health.WSDisconnects = s.wsDisconnects
	s.health.StableWindows = s.stableRun
	s.health.UpdatedAt = now

	s.windowStart = now
	s.probes = 0
	s.failures = 0
	s.wsDisconnects = 0

	if next != prev {
		w.logger.Warn("venue health transition",
			slog.String("venue", string(s.health.Venue)),
			slog.String("from", string(prev)),
			slog.String("to", string(next)),
			slog.Float64("error_rate", rate),
		)
		h := s.health
		return &h
	}
	return nil
}
