package timer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tasktimer/internal/eventbus"
	logx "tasktimer/pkg/logx"
)

func startScheduler(t *testing.T, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	s := NewScheduler(opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func mustConfig(t *testing.T, interval, delay time.Duration, runs int64) Configuration {
	t.Helper()
	opts := []ConfigOption{WithDelay(delay)}
	if runs > 0 {
		opts = append(opts, WithNoOfRuns(runs))
	}
	cfg, err := NewConfiguration(interval, opts...)
	require.NoError(t, err)
	return cfg
}

func noop(context.Context, Tick) error { return nil }

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func waitDone(t *testing.T, e *Engine, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, e.Wait(ctx), "engine did not reach a terminal state")
}

func TestEngineRunsExactlyNoOfRuns(t *testing.T) {
	t.Parallel()
	sched := startScheduler(t)

	var calls atomic.Int64
	e, err := NewEngine(mustConfig(t, 20*time.Millisecond, 10*time.Millisecond, 3), sched, WithName("three"))
	require.NoError(t, err)
	require.NoError(t, e.Attach(func(context.Context, Tick) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, e.Start())
	assert.Equal(t, 1, sched.Entries())

	waitDone(t, e, 2*time.Second)
	assert.Equal(t, StateCompleted, e.State())
	assert.EqualValues(t, 3, e.RunsCompleted())

	// Several cadence periods later nothing else fired.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 3, e.RunsCompleted())
	assert.Equal(t, 0, sched.Entries())
	assert.True(t, e.Snapshot().NextTick.IsZero())
}

func TestEngineCadenceIsAnchored(t *testing.T) {
	t.Parallel()
	sched := startScheduler(t)
	interval := 30 * time.Millisecond

	var mu sync.Mutex
	var ticks []Tick
	e, err := NewEngine(mustConfig(t, interval, 10*time.Millisecond, 4), sched)
	require.NoError(t, err)
	require.NoError(t, e.Attach(func(_ context.Context, tk Tick) error {
		mu.Lock()
		ticks = append(ticks, tk)
		mu.Unlock()
		// Callback latency must not push the following ticks.
		time.Sleep(10 * time.Millisecond)
		return nil
	}))
	require.NoError(t, e.Start())
	waitDone(t, e, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ticks, 4)
	for i, tk := range ticks {
		assert.EqualValues(t, i+1, tk.Seq)
		assert.Equal(t, time.Duration(i)*interval, tk.Scheduled.Sub(ticks[0].Scheduled))
		assert.False(t, tk.Fired.Before(tk.Scheduled))
	}
}

func TestEngineLifecycleErrors(t *testing.T) {
	t.Parallel()
	sched := startScheduler(t)
	cfg := mustConfig(t, time.Hour, time.Hour, 0)

	e, err := NewEngine(cfg, sched)
	require.NoError(t, err)
	require.ErrorIs(t, e.Start(), ErrIllegalState, "start without callback")

	require.NoError(t, e.Attach(noop))
	require.ErrorIs(t, e.Attach(noop), ErrAlreadyAttached)

	require.NoError(t, e.Start())
	require.ErrorIs(t, e.Start(), ErrIllegalState)

	e.Stop()
	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	require.ErrorIs(t, e.Start(), ErrIllegalState)
	assert.Equal(t, 0, sched.Entries())

	_, err = NewEngine(Configuration{}, sched)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestEngineStopBeforeStart(t *testing.T) {
	t.Parallel()
	sched := startScheduler(t)
	e, err := NewEngine(mustConfig(t, time.Second, time.Second, 0), sched)
	require.NoError(t, err)
	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	select {
	case <-e.Done():
	default:
		t.Fatal("done channel not closed")
	}
	require.ErrorIs(t, e.Attach(noop), ErrIllegalState)
}

func TestEngineStartOnStoppedScheduler(t *testing.T) {
	t.Parallel()
	sched := NewScheduler()
	e, err := NewEngine(mustConfig(t, time.Second, time.Second, 0), sched)
	require.NoError(t, err)
	require.NoError(t, e.Attach(noop))
	require.ErrorIs(t, e.Start(), ErrSchedulerStopped)
	assert.Equal(t, StateCreated, e.State())

	sched.Start(context.Background())
	defer func() { _ = sched.Stop(context.Background()) }()
	require.NoError(t, e.Start())
}

func TestEngineOverlapSkipsTicks(t *testing.T) {
	t.Parallel()
	sched := startScheduler(t)

	var (
		calls      atomic.Int64
		active     atomic.Int64
		maxActive  atomic.Int64
		interval   = 100 * time.Millisecond
		slowLength = 250 * time.Millisecond
	)
	e, err := NewEngine(mustConfig(t, interval, interval, 0), sched)
	require.NoError(t, err)
	require.NoError(t, e.Attach(func(context.Context, Tick) error {
		calls.Add(1)
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(slowLength)
		active.Add(-1)
		return nil
	}))
	require.NoError(t, e.Start())
	time.Sleep(time.Second)
	e.Stop()

	assert.LessOrEqual(t, calls.Load(), int64(4))
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
	assert.EqualValues(t, 1, maxActive.Load())
	assert.Greater(t, e.Snapshot().Skipped, uint64(0))
}

func TestEngineFailedRunsAreReportedNotCounted(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		reported []*CallbackError
	)
	sched := startScheduler(t, WithDefaultFailureHook(func(err *CallbackError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	boom := errors.New("boom")

	e, err := NewEngine(mustConfig(t, 15*time.Millisecond, 5*time.Millisecond, 2), sched, WithName("flaky"))
	require.NoError(t, err)
	require.NoError(t, e.Attach(func(_ context.Context, tk Tick) error {
		if tk.Seq%2 == 1 {
			return boom
		}
		return nil
	}))
	require.NoError(t, e.Start())
	waitDone(t, e, 2*time.Second)

	snap := e.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.EqualValues(t, 2, snap.RunsCompleted)
	assert.EqualValues(t, 2, snap.Failed)
	assert.EqualValues(t, 4, snap.Ticks)
	assert.Contains(t, snap.LastError, "boom")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, r := range reported {
		assert.ErrorIs(t, r, ErrCallbackExecution)
		assert.ErrorIs(t, r, boom)
		assert.Equal(t, "flaky", r.Timer)
	}
}

func TestEnginePanicIsRecovered(t *testing.T) {
	t.Parallel()
	buf := &lockedBuffer{}
	sched := startScheduler(t, WithSchedulerLogger(logx.NewJSON(buf, "debug")))

	hook := make(chan *CallbackError, 8)
	var calls atomic.Int64
	e, err := NewEngine(mustConfig(t, 10*time.Millisecond, 5*time.Millisecond, 0), sched, WithFailureHook(func(err *CallbackError) {
		select {
		case hook <- err:
		default:
		}
	}))
	require.NoError(t, err)
	require.NoError(t, e.Attach(func(context.Context, Tick) error {
		calls.Add(1)
		panic("kaboom")
	}))
	require.NoError(t, e.Start())

	select {
	case got := <-hook:
		assert.Equal(t, "kaboom", got.Panic)
		assert.NotEmpty(t, got.Stack)
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond, "engine must keep ticking after a panic")
	assert.Equal(t, StateRunning, e.State())
	assert.EqualValues(t, 0, e.RunsCompleted())
	e.Stop()
	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "timer callback failed")
	}, time.Second, 5*time.Millisecond)
}

func TestEngineStopLetsInflightFinish(t *testing.T) {
	t.Parallel()
	sched := startScheduler(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var calls atomic.Int64
	e, err := NewEngine(mustConfig(t, 10*time.Millisecond, 5*time.Millisecond, 0), sched)
	require.NoError(t, err)
	require.NoError(t, e.Attach(func(ctx context.Context, _ Tick) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			finished.Store(ctx.Err() == nil)
		}
		return nil
	}))
	require.NoError(t, e.Start())

	<-entered
	e.Stop()
	assert.Equal(t, 0, sched.Entries())
	close(release)

	require.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, StateStopped, e.State())
}

func TestEnginePublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32, "timer.")
	defer unsub()

	sched := startScheduler(t, WithSchedulerBus(bus))
	e, err := NewEngine(mustConfig(t, 10*time.Millisecond, 5*time.Millisecond, 1), sched, WithName("once"))
	require.NoError(t, err)
	require.NoError(t, e.Attach(noop))
	require.NoError(t, e.Start())
	waitDone(t, e, 2*time.Second)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			run, ok := ev.Data.(RunEvent)
			require.True(t, ok)
			assert.Equal(t, "once", run.Timer)
		case <-timeout:
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{EventStarted, EventTick, EventCompleted}, types)
}

func TestSchedulerStopStopsEngines(t *testing.T) {
	t.Parallel()
	sched := NewScheduler()
	sched.Start(context.Background())
	assert.True(t, sched.Running())

	var engines []*Engine
	for i := 0; i < 3; i++ {
		e, err := NewEngine(mustConfig(t, time.Hour, time.Hour, 0), sched)
		require.NoError(t, err)
		require.NoError(t, e.Attach(noop))
		require.NoError(t, e.Start())
		engines = append(engines, e)
	}
	assert.Equal(t, 3, sched.Entries())

	require.NoError(t, sched.Stop(context.Background()))
	assert.False(t, sched.Running())
	assert.Equal(t, 0, sched.Entries())
	for _, e := range engines {
		assert.Equal(t, StateStopped, e.State())
	}
	// Stop is idempotent.
	require.NoError(t, sched.Stop(context.Background()))
}
