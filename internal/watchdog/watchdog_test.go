package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/governor"
	"github.com/openquant/hedgebot/internal/store/memory"
	"github.com/openquant/hedgebot/internal/venue/paper"
)

// flakyVenue fails Ping on demand while keeping the rest of the adapter real.
type flakyVenue struct {
	*paper.Venue
	fail bool
}

func (v *flakyVenue) Ping(ctx context.Context) (time.Duration, error) {
	if v.fail {
		return 0, errors.New("dial tcp: connection refused")
	}
	return v.Venue.Ping(ctx)
}

type incidentRecorder struct {
	raised []domain.Incident
}

func (r *incidentRecorder) RaiseIncident(_ context.Context, inc domain.Incident) (domain.Incident, error) {
	r.raised = append(r.raised, inc)
	return inc, nil
}

func newWatchdog(t *testing.T, venue *flakyVenue, sink IncidentSink) *Watchdog {
	t.Helper()
	return New(Options{
		Venues:        map[domain.VenueName]domain.VenueAdapter{"binance": venue},
		Incidents:     sink,
		ProbeInterval: time.Second,
		ProbeTimeout:  100 * time.Millisecond,
		WindowSize:    0, // every probe closes its own window
		DownRate:      0.5,
		DegradedRate:  0.25,
		StableWindows: 2,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestUnknownVenueIsDown(t *testing.T) {
	w := newWatchdog(t, &flakyVenue{Venue: paper.New("binance")}, &incidentRecorder{})
	assert.Equal(t, domain.VenueDown, w.Health("ghost").Status)
	assert.Equal(t, domain.VenueOK, w.Health("binance").Status)
}

func TestProbeFailuresClassifyDown(t *testing.T) {
	venue := &flakyVenue{Venue: paper.New("binance"), fail: true}
	sink := &incidentRecorder{}
	w := newWatchdog(t, venue, sink)

	w.probe(context.Background(), "binance", venue)
	assert.Equal(t, domain.VenueDown, w.Health("binance").Status)
	assert.Equal(t, 1.0, w.Health("binance").ErrorRate)

	require.Len(t, sink.raised, 1)
	assert.Equal(t, domain.IncidentVenueDown, sink.raised[0].Kind)
	assert.Equal(t, domain.SeverityP0, sink.raised[0].Severity)

	// Staying DOWN is not a transition; no duplicate incident.
	w.probe(context.Background(), "binance", venue)
	assert.Len(t, sink.raised, 1)
}

func TestRecoveryNeedsConsecutiveCleanWindows(t *testing.T) {
	venue := &flakyVenue{Venue: paper.New("binance"), fail: true}
	w := newWatchdog(t, venue, &incidentRecorder{})

	w.probe(context.Background(), "binance", venue)
	require.Equal(t, domain.VenueDown, w.Health("binance").Status)

	venue.fail = false
	w.probe(context.Background(), "binance", venue)
	assert.Equal(t, domain.VenueDown, w.Health("binance").Status,
		"one clean window is not enough to trust the venue again")

	w.probe(context.Background(), "binance", venue)
	assert.Equal(t, domain.VenueOK, w.Health("binance").Status)
	assert.Equal(t, 2, w.Health("binance").StableWindows)
}

func TestFlappingVenueStaysExcluded(t *testing.T) {
	venue := &flakyVenue{Venue: paper.New("binance"), fail: true}
	w := newWatchdog(t, venue, &incidentRecorder{})

	for i := 0; i < 3; i++ {
		venue.fail = true
		w.probe(context.Background(), "binance", venue)
		venue.fail = false
		w.probe(context.Background(), "binance", venue)
	}
	assert.Equal(t, domain.VenueDown, w.Health("binance").Status,
		"alternating failures keep resetting the stable run")
}

func TestPartialFailureRateIsDegraded(t *testing.T) {
	venue := &flakyVenue{Venue: paper.New("binance")}
	w := newWatchdog(t, venue, &incidentRecorder{})

	// Classify the window directly: 1 failure out of 3 probes sits between
	// the degraded and down thresholds.
	w.mu.Lock()
	s := w.states["binance"]
	s.probes = 3
	s.failures = 1
	transition := w.closeWindow(s, time.Now().UTC())
	w.mu.Unlock()

	require.NotNil(t, transition)
	assert.Equal(t, domain.VenueDegraded, transition.Status)
	assert.InDelta(t, 1.0/3.0, transition.ErrorRate, 1e-9)
}

func TestVenueDownForcesHold(t *testing.T) {
	ctx := context.Background()
	gov := governor.New(governor.Options{
		ControlStore: memory.NewControlStore(),
		Incidents:    memory.NewIncidentStore(),
		Positions:    memory.NewPositionStore(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, gov.Start(ctx))
	token, err := gov.RequestResume(ctx, "test setup", "alice")
	require.NoError(t, err)
	_, err = gov.ApproveResume(ctx, "alice", token)
	require.NoError(t, err)
	state, err := gov.ApproveResume(ctx, "bob", token)
	require.NoError(t, err)
	require.Equal(t, domain.ModeRun, state.Mode)

	venue := &flakyVenue{Venue: paper.New("binance"), fail: true}
	w := newWatchdog(t, venue, gov)
	w.probe(ctx, "binance", venue)

	require.Equal(t, domain.VenueDown, w.Health("binance").Status)
	assert.Equal(t, domain.ModeHold, gov.Control().Mode, "a dead venue halts trading everywhere")
	assert.Equal(t, domain.IncidentVenueDown, gov.Control().HoldReason)
}

func TestHealthsListsEveryVenue(t *testing.T) {
	w := newWatchdog(t, &flakyVenue{Venue: paper.New("binance")}, &incidentRecorder{})
	healths := w.Healths()
	require.Len(t, healths, 1)
	assert.Equal(t, domain.VenueName("binance"), healths[0].Venue)
}
