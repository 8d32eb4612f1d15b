package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAnchoredScheduleNext(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newAnchoredSchedule(anchor, 100*time.Millisecond)

	assert.Equal(t, anchor, s.Next(anchor.Add(-time.Hour)))
	assert.Equal(t, anchor.Add(100*time.Millisecond), s.Next(anchor))
	// A late wake-up does not shift the cadence.
	assert.Equal(t, anchor.Add(200*time.Millisecond), s.Next(anchor.Add(137*time.Millisecond)))
	assert.Equal(t, anchor.Add(300*time.Millisecond), s.Next(anchor.Add(200*time.Millisecond)))
}

func TestAnchoredScheduleBoundary(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newAnchoredSchedule(anchor, time.Second)

	assert.Equal(t, anchor, s.boundary(anchor.Add(-time.Second)))
	assert.Equal(t, anchor, s.boundary(anchor.Add(999*time.Millisecond)))
	assert.Equal(t, anchor.Add(2*time.Second), s.boundary(anchor.Add(2500*time.Millisecond)))
}

func TestAnchoredScheduleFinish(t *testing.T) {
	t.Parallel()
	s := newAnchoredSchedule(time.Now(), time.Second)
	s.finish()
	assert.True(t, s.Next(time.Now()).IsZero())
}
