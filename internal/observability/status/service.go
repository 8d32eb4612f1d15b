// Package status serves a small read-only HTTP API over the running timers,
// plus optional pprof endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"tasktimer/internal/runtime/supervisor"
	"tasktimer/internal/storage"
	"tasktimer/internal/task/timer"
	logx "tasktimer/pkg/logx"
)

const defaultAddr = "127.0.0.1:7070"

// Config controls the status server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Source is what the server reports on.
type Source interface {
	Timers() []timer.Snapshot
	Journal(ctx context.Context, name string, limit int) ([]storage.RunRecord, error)
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Source

	srv  *http.Server
	addr string
	sup  *supervisor.Supervisor
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "status"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if err := checkBind(addr, cfg); err != nil {
		return err
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("status server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(cfg),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.srv = srv
	s.sup = sup
	s.addr = ln.Addr().String()
	s.log.Info("status server started", logx.String("addr", s.addr), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop shuts the server down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("status server stopped")
	return err
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		if err := s.Stop(ctx); err != nil {
			s.log.Warn("status server stop failed", logx.Err(err))
		}
		return s.Start(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.handler(cfg)
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/timers", wrap(s.serveTimers))
	mux.HandleFunc("/journal", wrap(s.serveJournal))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type timerView struct {
	Name          string              `json:"name"`
	State         string              `json:"state"`
	Config        timer.Configuration `json:"config"`
	RunsCompleted int64               `json:"runs_completed"`
	Ticks         uint64              `json:"ticks"`
	Skipped       uint64              `json:"skipped"`
	Failed        uint64              `json:"failed"`
	LastError     string              `json:"last_error,omitempty"`
	LastTick      *time.Time          `json:"last_tick,omitempty"`
	NextTick      *time.Time          `json:"next_tick,omitempty"`
}

func viewOf(sn timer.Snapshot) timerView {
	v := timerView{
		Name:          sn.Name,
		State:         sn.State.String(),
		Config:        sn.Config,
		RunsCompleted: sn.RunsCompleted,
		Ticks:         sn.Ticks,
		Skipped:       sn.Skipped,
		Failed:        sn.Failed,
		LastError:     sn.LastError,
	}
	if !sn.LastTick.IsZero() {
		t := sn.LastTick
		v.LastTick = &t
	}
	if !sn.NextTick.IsZero() {
		t := sn.NextTick
		v.NextTick = &t
	}
	return v
}

func (s *Service) serveTimers(w http.ResponseWriter, r *http.Request) {
	snaps := s.src.Timers()
	out := make([]timerView, 0, len(snaps))
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	for _, sn := range snaps {
		if name != "" && sn.Name != name {
			continue
		}
		out = append(out, viewOf(sn))
	}
	if name != "" && len(out) == 0 {
		http.Error(w, "timer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, out)
}

func (s *Service) serveJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.src.Journal(r.Context(), strings.TrimSpace(q.Get("timer")), limit)
	if errors.Is(err, storage.ErrDisabled) {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Warn("journal read failed", logx.Err(err))
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, recs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// checkBind refuses a public bind without auth.
func checkBind(addr string, cfg Config) error {
	if cfg.Token != "" || cfg.AllowInsecure || isLoopbackAddr(addr) {
		return nil
	}
	return errors.New("status server refused to start: non-loopback addr requires token or allow_insecure")
}

// CheckBind validates addr against cfg the way Start does.
func CheckBind(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	return checkBind(addr, cfg)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
