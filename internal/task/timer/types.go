package timer

import (
	"context"
	"time"
)

type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further ticks can happen in s.
func (s State) Terminal() bool { return s == StateStopped || s == StateCompleted }

// Tick describes one firing of a timer.
type Tick struct {
	Timer     string
	Seq       uint64
	Scheduled time.Time
	Fired     time.Time
}

// Callback is the unit of work attached to a timer.
//
// A non-nil error (or a panic) marks the run as failed: it is reported and
// not counted towards NoOfRuns.
type Callback func(ctx context.Context, t Tick) error

// Event types published on the event bus.
const (
	EventStarted   = "timer.started"
	EventTick      = "timer.tick"
	EventFailed    = "timer.failed"
	EventSkipped   = "timer.skipped"
	EventStopped   = "timer.stopped"
	EventCompleted = "timer.completed"
)

// RunEvent is the payload of every timer event.
type RunEvent struct {
	Timer         string        `json:"timer"`
	Seq           uint64        `json:"seq,omitempty"`
	Scheduled     time.Time     `json:"scheduled,omitempty"`
	Fired         time.Time     `json:"fired,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	RunsCompleted int64         `json:"runs_completed"`
	Error         string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of an engine for diagnostics.
type Snapshot struct {
	Name          string
	State         State
	Config        Configuration
	RunsCompleted int64
	Ticks         uint64
	Skipped       uint64
	Failed        uint64
	LastError     string
	LastTick      time.Time
	NextTick      time.Time
}
