package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/hedgebot/internal/domain"
)

func TestControlStoreCompareAndSwap(t *testing.T) {
	s := NewControlStore()
	ctx := context.Background()

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The first save must carry version 1.
	err = s.Save(ctx, domain.ControlState{Mode: domain.ModeHold, Version: 2})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	require.NoError(t, s.Save(ctx, domain.ControlState{Mode: domain.ModeHold, Version: 1}))

	// Writes must step the version by exactly one.
	assert.ErrorIs(t, s.Save(ctx, domain.ControlState{Mode: domain.ModeRun, Version: 1}), domain.ErrVersionConflict)
	assert.ErrorIs(t, s.Save(ctx, domain.ControlState{Mode: domain.ModeRun, Version: 3}), domain.ErrVersionConflict)
	require.NoError(t, s.Save(ctx, domain.ControlState{Mode: domain.ModeRun, Version: 2}))

	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeRun, state.Mode)
	assert.Equal(t, int64(2), state.Version)
}

func TestIntentStoreDuplicateClientID(t *testing.T) {
	s := NewIntentStore()
	ctx := context.Background()

	intent := domain.OrderIntent{ID: "i1", ClientID: "hb-abc", State: domain.IntentStatePending}
	require.NoError(t, s.Create(ctx, intent))

	dup := domain.OrderIntent{ID: "i2", ClientID: "hb-abc", State: domain.IntentStateNew}
	assert.ErrorIs(t, s.Create(ctx, dup), domain.ErrAlreadyExists)

	got, err := s.GetByClientID(ctx, "hb-abc")
	require.NoError(t, err)
	assert.Equal(t, "i1", got.ID)
}

func TestLockManagerExclusivity(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	unlock, err := m.Acquire(ctx, "pair:binance:BTCUSDT/okx:BTCUSDT", 30*time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "pair:binance:BTCUSDT/okx:BTCUSDT", 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock2, err := m.Acquire(ctx, "pair:binance:BTCUSDT/okx:BTCUSDT", 30*time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	l := NewRateLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "orders:test", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "orders:test", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// Independent keys do not share a budget.
	ok, err = l.Allow(ctx, "orders:other", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
