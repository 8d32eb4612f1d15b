package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tasktimer/internal/config"
	"tasktimer/internal/task/timer"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker(breakerSettings{trip: 2, baseDelay: time.Second, maxDelay: 4 * time.Second, resetAfter: time.Minute})
	b.now = func() time.Time { return now }

	calls := 0
	fail := true
	cb := b.wrap(func(context.Context, timer.Tick) error {
		calls++
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	ctx := context.Background()

	require.Error(t, cb(ctx, timer.Tick{}))
	require.Error(t, cb(ctx, timer.Tick{})) // trips: open for 1s
	err := cb(ctx, timer.Tick{})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	now = now.Add(1100 * time.Millisecond)
	require.Error(t, cb(ctx, timer.Tick{})) // half-open probe fails: open for 2s
	assert.Equal(t, 3, calls)
	now = now.Add(1500 * time.Millisecond)
	require.ErrorIs(t, cb(ctx, timer.Tick{}), ErrCircuitOpen)

	now = now.Add(time.Second)
	fail = false
	require.NoError(t, cb(ctx, timer.Tick{}))
	require.NoError(t, cb(ctx, timer.Tick{}))
	assert.Equal(t, 5, calls)
}

func TestBreakerCooldownCapped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker(breakerSettings{trip: 1, baseDelay: time.Second, maxDelay: 3 * time.Second, resetAfter: time.Hour})
	b.now = func() time.Time { return now }
	for i := 0; i < 10; i++ {
		b.record(errors.New("x"))
	}
	until, open := b.open()
	require.True(t, open)
	assert.Equal(t, now.Add(3*time.Second), until)
}

func TestBreakerResetAfterQuietPeriod(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker(breakerSettings{trip: 1, baseDelay: time.Hour, maxDelay: time.Hour, resetAfter: time.Minute})
	b.now = func() time.Time { return now }
	b.record(errors.New("x"))
	_, open := b.open()
	require.True(t, open)

	now = now.Add(2 * time.Minute)
	_, open = b.open()
	assert.False(t, open)
}

func TestBreakerFromConfigDefaults(t *testing.T) {
	s, err := breakerFromConfig(&config.BreakerConfig{})
	require.NoError(t, err)
	assert.Equal(t, 5, s.trip)
	assert.Equal(t, 5*time.Second, s.baseDelay)
	assert.Equal(t, 2*time.Minute, s.maxDelay)
	assert.Equal(t, 5*time.Minute, s.resetAfter)

	_, err = breakerFromConfig(&config.BreakerConfig{BaseDelay: "soon"})
	require.Error(t, err)
}
