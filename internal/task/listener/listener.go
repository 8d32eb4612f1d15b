// Package listener binds host resources to recurring timers.
//
// A Listener is what a host sees: it owns one timer.Engine, accepts exactly
// one attached callback and exposes the resolved configuration.
package listener

import (
	"errors"
	"strings"
	"sync"

	"tasktimer/internal/task/timer"
)

const (
	// TypeName is the struct name hosts use to verify listener wiring.
	TypeName = "Listener"
	// ConfigurationMember names the member exposing the resolved configuration.
	ConfigurationMember = "Configuration"
)

type Listener struct {
	engine *timer.Engine

	mu       sync.Mutex
	resource string
}

// New creates a listener for cfg on sched. Engine options (name, logger, bus,
// failure hook) are passed through.
func New(cfg timer.Configuration, sched *timer.Scheduler, opts ...timer.Option) (*Listener, error) {
	e, err := timer.NewEngine(cfg, sched, opts...)
	if err != nil {
		return nil, err
	}
	return &Listener{engine: e}, nil
}

// Attach binds resource's callback. A listener accepts one attachment.
func (l *Listener) Attach(resource string, cb timer.Callback) error {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return errors.New("listener: resource name required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resource != "" {
		return timer.ErrAlreadyAttached
	}
	if err := l.engine.Attach(cb); err != nil {
		return err
	}
	l.resource = resource
	return nil
}

// Configuration returns the resolved configuration.
func (l *Listener) Configuration() timer.Configuration { return l.engine.Configuration() }

// Resource returns the attached resource name ("" before Attach).
func (l *Listener) Resource() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resource
}

func (l *Listener) Name() string             { return l.engine.Name() }
func (l *Listener) Start() error             { return l.engine.Start() }
func (l *Listener) Stop()                    { l.engine.Stop() }
func (l *Listener) State() timer.State       { return l.engine.State() }
func (l *Listener) RunsCompleted() int64     { return l.engine.RunsCompleted() }
func (l *Listener) Done() <-chan struct{}    { return l.engine.Done() }
func (l *Listener) Snapshot() timer.Snapshot { return l.engine.Snapshot() }
