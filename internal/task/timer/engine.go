package timer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	"tasktimer/internal/eventbus"
	logx "tasktimer/pkg/logx"
)

var engineSeq atomic.Uint64

// Engine owns a single recurring timer.
//
// State machine:
//
//	Created --Start--> Running --(NoOfRuns reached)--> Completed
//	Created|Running --Stop--> Stopped
//
// Stopped and Completed are terminal. At most one callback invocation runs at
// a time; a tick that arrives while the previous invocation is still running
// is skipped.
type Engine struct {
	name  string
	cfg   Configuration
	sched *Scheduler

	log       logx.Logger
	bus       eventbus.Bus
	onFailure func(*CallbackError)
	warnLim   *rate.Limiter

	mu       sync.Mutex
	state    State
	cb       Callback
	ctx      context.Context
	entry    cron.EntryID
	schedule *anchoredSchedule
	inflight bool
	done     chan struct{}

	runs     int64
	ticks    uint64
	skipped  uint64
	failed   uint64
	lastErr  error
	lastTick time.Time
}

type Option func(*Engine)

// WithName names the timer in logs, events and callback ticks.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

func WithLogger(log logx.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithFailureHook receives every callback failure. It runs on the tick goroutine.
func WithFailureHook(fn func(*CallbackError)) Option {
	return func(e *Engine) { e.onFailure = fn }
}

// NewEngine creates an engine in the Created state.
func NewEngine(cfg Configuration, sched *Scheduler, opts ...Option) (*Engine, error) {
	if cfg.IsZero() {
		return nil, fmt.Errorf("%w: configuration not resolved", ErrInvalidConfiguration)
	}
	if sched == nil {
		return nil, errors.New("timer: scheduler is required")
	}
	e := &Engine{
		cfg:       cfg,
		sched:     sched,
		log:       sched.log,
		bus:       sched.bus,
		onFailure: sched.onFailure,
		warnLim:   rate.NewLimiter(rate.Every(sched.failureLogEvery), 1),
		state:     StateCreated,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.name == "" {
		e.name = fmt.Sprintf("timer-%d", engineSeq.Add(1))
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.bus == nil {
		e.bus = eventbus.Nop()
	}
	e.log = e.log.With(logx.String("comp", "timer"), logx.String("timer", e.name))
	return e, nil
}

func (e *Engine) Name() string                 { return e.name }
func (e *Engine) Configuration() Configuration { return e.cfg }

// Done is closed once the engine reaches a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RunsCompleted returns the number of successful callback invocations.
func (e *Engine) RunsCompleted() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

// Attach binds the callback. It can be called once, before Start.
func (e *Engine) Attach(cb Callback) error {
	if cb == nil {
		return errors.New("timer: nil callback")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cb != nil {
		return ErrAlreadyAttached
	}
	if e.state != StateCreated {
		return illegalState("attach", e.state)
	}
	e.cb = cb
	return nil
}

// Start registers the timer with the scheduler. The first tick fires after
// the configured delay, the following ones every interval after that.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != StateCreated {
		st := e.state
		e.mu.Unlock()
		return illegalState("start", st)
	}
	if e.cb == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: start without attached callback", ErrIllegalState)
	}
	sch := newAnchoredSchedule(time.Now().Add(e.cfg.Delay()), e.cfg.Interval())
	ctx, id, err := e.sched.register(e, sch)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = StateRunning
	e.ctx = ctx
	e.entry = id
	e.schedule = sch
	// Published under the lock so it always precedes the first tick event.
	e.publish(EventStarted, RunEvent{Timer: e.name, Scheduled: sch.first})
	e.mu.Unlock()

	e.log.Debug("timer started", logx.Int64("interval_ms", e.cfg.IntervalMillis()), logx.Int64("delay_ms", e.cfg.DelayMillis()), logx.Time("first", sch.first))
	return nil
}

// Stop moves a non-terminal engine to Stopped and cancels its pending tick.
// An in-flight callback is allowed to finish. Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateStopped
	if e.schedule != nil {
		e.schedule.finish()
	}
	id := e.entry
	e.entry = 0
	runs := e.runs
	close(e.done)
	e.mu.Unlock()

	e.sched.deregister(e, id)
	e.log.Debug("timer stopped", logx.String("from", prev.String()), logx.Int64("runs", runs))
	e.publish(EventStopped, RunEvent{Timer: e.name, RunsCompleted: runs})
}

// Wait blocks until the engine reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Name:          e.name,
		State:         e.state,
		Config:        e.cfg,
		RunsCompleted: e.runs,
		Ticks:         e.ticks,
		Skipped:       e.skipped,
		Failed:        e.failed,
		LastTick:      e.lastTick,
	}
	if e.lastErr != nil {
		snap.LastError = e.lastErr.Error()
	}
	if e.state == StateRunning && e.schedule != nil {
		snap.NextTick = e.schedule.Next(time.Now())
	}
	return snap
}

// fire is the cron job of this engine. It runs on its own goroutine per tick.
func (e *Engine) fire() {
	fired := time.Now()

	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	scheduled := e.schedule.boundary(fired)
	if e.inflight {
		e.skipped++
		e.mu.Unlock()
		e.log.Debug("tick skipped; previous run still in flight", logx.Time("scheduled", scheduled))
		e.publish(EventSkipped, RunEvent{Timer: e.name, Scheduled: scheduled, Fired: fired})
		return
	}
	e.inflight = true
	e.ticks++
	e.lastTick = fired
	t := Tick{Timer: e.name, Seq: e.ticks, Scheduled: scheduled, Fired: fired}
	cb := e.cb
	ctx := e.ctx
	e.mu.Unlock()

	err := e.invoke(ctx, cb, t)
	took := time.Since(fired)

	e.mu.Lock()
	e.inflight = false
	completed := false
	var id cron.EntryID
	if err == nil {
		e.runs++
		// Completion happens under the same lock as the increment, so the
		// next tick observes a terminal state.
		if n, ok := e.cfg.NoOfRuns(); ok && e.runs >= n && e.state == StateRunning {
			e.state = StateCompleted
			e.schedule.finish()
			id = e.entry
			e.entry = 0
			completed = true
			close(e.done)
		}
	} else {
		e.failed++
		e.lastErr = err
	}
	runs := e.runs
	e.mu.Unlock()

	ev := RunEvent{Timer: e.name, Seq: t.Seq, Scheduled: t.Scheduled, Fired: t.Fired, Duration: took, RunsCompleted: runs}
	if err != nil {
		ev.Error = err.Error()
		e.publish(EventFailed, ev)
		var cbErr *CallbackError
		if errors.As(err, &cbErr) {
			e.report(cbErr)
		}
		return
	}
	e.publish(EventTick, ev)
	if completed {
		e.sched.deregister(e, id)
		e.log.Debug("timer completed", logx.Int64("runs", runs))
		e.publish(EventCompleted, RunEvent{Timer: e.name, RunsCompleted: runs})
	}
}

func (e *Engine) invoke(ctx context.Context, cb Callback, t Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Timer: e.name, Seq: t.Seq, Panic: r, Stack: string(debug.Stack())}
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	if cerr := cb(ctx, t); cerr != nil {
		return &CallbackError{Timer: e.name, Seq: t.Seq, Cause: cerr}
	}
	return nil
}

// report surfaces a callback failure out-of-band. Warn logs are throttled per timer.
func (e *Engine) report(err *CallbackError) {
	if e.onFailure != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("failure hook panicked", logx.Any("panic", r))
				}
			}()
			e.onFailure(err)
		}()
	}
	fields := []logx.Field{logx.Uint64("seq", err.Seq), logx.Err(err)}
	if err.Panic != nil {
		fields = append(fields, logx.Stack(err.Stack))
	}
	if e.warnLim.Allow() {
		e.log.Warn("timer callback failed", fields...)
		return
	}
	e.log.Debug("timer callback failed", fields...)
}

func (e *Engine) publish(typ string, ev RunEvent) {
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
