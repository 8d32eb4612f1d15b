package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"tasktimer/internal/eventbus"
	logx "tasktimer/pkg/logx"
)

const defaultFailureLogEvery = 5 * time.Second

// Scheduler is the trigger facility shared by all engines of a process.
//
// One cron run loop drives every registered engine; each tick is dispatched
// on its own goroutine, so a slow callback never delays other timers.
// Engines register on Start and deregister on every terminal path.
type Scheduler struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	onFailure       func(*CallbackError)
	failureLogEvery time.Duration

	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	engines map[cron.EntryID]*Engine
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(log logx.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

// WithSchedulerBus publishes timer lifecycle events of every engine on bus.
func WithSchedulerBus(bus eventbus.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLocation sets the location used by the cron loop clock.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) { s.loc = loc }
}

// WithDefaultFailureHook installs the failure hook for engines that don't set their own.
func WithDefaultFailureHook(fn func(*CallbackError)) SchedulerOption {
	return func(s *Scheduler) { s.onFailure = fn }
}

// WithFailureLogEvery throttles warn-level callback failure logs per timer.
func WithFailureLogEvery(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.failureLogEvery = d }
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		failureLogEvery: defaultFailureLogEvery,
		engines:         map[cron.EntryID]*Engine{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.failureLogEvery <= 0 {
		s.failureLogEvery = defaultFailureLogEvery
	}
	return s
}

// Start starts the cron loop. Callbacks receive a context derived from ctx.
// Start is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
}

// Running reports whether Start was called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Stop stops every registered engine, stops the cron loop and waits for
// in-flight callbacks until ctx is done. Callback contexts are canceled last.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	engines := make([]*Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.engines = map[cron.EntryID]*Engine{}
	s.c = nil
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	// Engine.Stop takes the engine lock; no scheduler lock may be held here.
	for _, e := range engines {
		e.Stop()
	}

	var err error
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		err = fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
	cancel()

	s.log.Info("scheduler stopped", logx.Int("engines", len(engines)), logx.Duration("took", time.Since(start)))
	return err
}

// Entries returns the number of engines currently holding a scheduled entry.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

func (s *Scheduler) register(e *Engine, sched cron.Schedule) (context.Context, cron.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, 0, ErrSchedulerStopped
	}
	id := s.c.Schedule(sched, cron.FuncJob(e.fire))
	s.engines[id] = e
	return s.ctx, id, nil
}

// deregister releases e's entry. Entries owned by someone else (after a
// Stop/Start cycle ids restart at 1) are left alone.
func (s *Scheduler) deregister(e *Engine, id cron.EntryID) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engines[id] != e {
		return
	}
	delete(s.engines, id)
	if s.c != nil {
		s.c.Remove(id)
	}
}

// cronLogger routes cron's internal logging into logx.
// Cron's info messages fire on every wake-up, so they go to trace.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
