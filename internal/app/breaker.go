package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tasktimer/internal/config"
	"tasktimer/internal/task/timer"
)

var ErrCircuitOpen = errors.New("circuit open")

type breakerSettings struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func breakerFromConfig(bc *config.BreakerConfig) (breakerSettings, error) {
	s := breakerSettings{trip: bc.Trip}
	if s.trip <= 0 {
		s.trip = 5
	}
	var err error
	if s.baseDelay, err = config.ParseDurationOrDefault("breaker.base_delay", bc.BaseDelay, 5*time.Second); err != nil {
		return s, err
	}
	if s.maxDelay, err = config.ParseDurationOrDefault("breaker.max_delay", bc.MaxDelay, 2*time.Minute); err != nil {
		return s, err
	}
	if s.resetAfter, err = config.ParseDurationOrDefault("breaker.reset_after", bc.ResetAfter, 5*time.Minute); err != nil {
		return s, err
	}
	if s.maxDelay < s.baseDelay {
		s.maxDelay = s.baseDelay
	}
	return s, nil
}

// breaker counts consecutive failures of one action. Once they reach trip the
// circuit opens for baseDelay, doubling with every further failure up to
// maxDelay. A failure streak older than resetAfter is forgotten.
type breaker struct {
	cfg breakerSettings
	now func() time.Time

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg breakerSettings) *breaker {
	return &breaker{cfg: cfg, now: time.Now}
}

// wrap returns cb guarded by the breaker. While open, cb is not called.
func (b *breaker) wrap(cb timer.Callback) timer.Callback {
	return func(ctx context.Context, t timer.Tick) error {
		if until, open := b.open(); open {
			return fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
		}
		err := cb(ctx, t)
		b.record(err)
		return err
	}
}

func (b *breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

func (b *breaker) open() (time.Time, bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return b.openUntil, true
	}
	return time.Time{}, false
}

func (b *breaker) record(err error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.trip {
		return
	}
	d := b.cfg.baseDelay
	for i := b.cfg.trip; i < b.fails && d < b.cfg.maxDelay; i++ {
		d *= 2
	}
	if d > b.cfg.maxDelay {
		d = b.cfg.maxDelay
	}
	b.openUntil = now.Add(d)
}
