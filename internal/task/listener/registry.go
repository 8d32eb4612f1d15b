package listener

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tasktimer/internal/task/timer"
	logx "tasktimer/pkg/logx"
)

// Registry keeps named listeners for a host.
//
// Register upserts by name: the new listener is started, swapped in and only
// then the previous one is stopped, so hot-reloads never leave duplicate
// timers behind and a failed start keeps the old timer running.
type Registry struct {
	// regMu serializes the start-and-swap of Register with Remove and StopAll.
	regMu sync.Mutex
	mu    sync.Mutex
	sched *timer.Scheduler
	log   logx.Logger
	items map[string]*Listener
}

func NewRegistry(sched *timer.Scheduler, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		sched: sched,
		log:   log.With(logx.String("comp", "listeners")),
		items: map[string]*Listener{},
	}
}

// Register creates a listener named name, attaches cb for resource and starts it.
func (r *Registry) Register(name string, cfg timer.Configuration, resource string, cb timer.Callback, opts ...timer.Option) (*Listener, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name required")
	}
	opts = append([]timer.Option{timer.WithName(name)}, opts...)
	l, err := New(cfg, r.sched, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.Attach(resource, cb); err != nil {
		return nil, err
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()
	if err := l.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	r.mu.Lock()
	prev := r.items[name]
	r.items[name] = l
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	r.log.Debug("listener registered", logx.String("name", name), logx.String("resource", resource), logx.String("config", cfg.String()))
	return l, nil
}

// Remove stops and forgets the listener. It reports whether one existed.
func (r *Registry) Remove(name string) bool {
	name = strings.TrimSpace(name)
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.mu.Lock()
	l, ok := r.items[name]
	delete(r.items, name)
	r.mu.Unlock()
	if !ok {
		return false
	}
	l.Stop()
	r.log.Debug("listener removed", logx.String("name", name))
	return true
}

func (r *Registry) Get(name string) (*Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.items[strings.TrimSpace(name)]
	return l, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Snapshot() []timer.Snapshot {
	r.mu.Lock()
	ls := make([]*Listener, 0, len(r.items))
	for _, l := range r.items {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	out := make([]timer.Snapshot, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Prune forgets listeners that reached a terminal state and returns how many were dropped.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, l := range r.items {
		if l.State().Terminal() {
			delete(r.items, name)
			n++
		}
	}
	return n
}

// StopAll stops and forgets every listener.
func (r *Registry) StopAll() {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.mu.Lock()
	items := r.items
	r.items = map[string]*Listener{}
	r.mu.Unlock()
	for _, l := range items {
		l.Stop()
	}
}
