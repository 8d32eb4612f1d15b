package timer

import (
	"sync/atomic"
	"time"
)

// anchoredSchedule fires at first, first+every, first+2*every, ...
//
// Boundaries depend only on the anchor, so a late tick never shifts the ones
// after it. Once finished, Next returns the zero time which cron treats as "never".
type anchoredSchedule struct {
	first    time.Time
	every    time.Duration
	finished atomic.Bool
}

func newAnchoredSchedule(first time.Time, every time.Duration) *anchoredSchedule {
	return &anchoredSchedule{first: first.Round(0), every: every}
}

func (s *anchoredSchedule) Next(t time.Time) time.Time {
	if s.finished.Load() {
		return time.Time{}
	}
	if t.Before(s.first) {
		return s.first
	}
	n := t.Sub(s.first)/s.every + 1
	return s.first.Add(n * s.every)
}

// boundary returns the latest boundary at or before t (the anchor if t precedes it).
func (s *anchoredSchedule) boundary(t time.Time) time.Time {
	if !t.After(s.first) {
		return s.first
	}
	n := t.Sub(s.first) / s.every
	return s.first.Add(n * s.every)
}

func (s *anchoredSchedule) finish() { s.finished.Store(true) }
