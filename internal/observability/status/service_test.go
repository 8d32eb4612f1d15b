package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tasktimer/internal/storage"
	"tasktimer/internal/task/timer"
	logx "tasktimer/pkg/logx"
)

type fakeSource struct {
	snaps []timer.Snapshot
	recs  []storage.RunRecord
	err   error
}

func (f *fakeSource) Timers() []timer.Snapshot { return f.snaps }

func (f *fakeSource) Journal(_ context.Context, name string, limit int) ([]storage.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []storage.RunRecord
	for _, r := range f.recs {
		if name == "" || r.Timer == name {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func newSource(t *testing.T) *fakeSource {
	t.Helper()
	cfg, err := timer.NewConfiguration(time.Second, timer.WithNoOfRuns(3))
	require.NoError(t, err)
	return &fakeSource{
		snaps: []timer.Snapshot{
			{Name: "a", State: timer.StateRunning, Config: cfg, RunsCompleted: 1, Ticks: 2, Failed: 1, LastError: "boom", NextTick: time.Now().Add(time.Second)},
			{Name: "b", State: timer.StateCompleted, Config: cfg, RunsCompleted: 3, Ticks: 3},
		},
		recs: []storage.RunRecord{
			{Timer: "a", Event: timer.EventTick, Seq: 1},
			{Timer: "b", Event: timer.EventTick, Seq: 1},
			{Timer: "a", Event: timer.EventFailed, Seq: 2, Error: "boom"},
		},
	}
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTimersEndpoint(t *testing.T) {
	t.Parallel()
	h := New(Config{Enabled: true}, newSource(t), logx.Nop()).Handler()

	rec := get(t, h, "/timers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "a", views[0]["name"])
	assert.Equal(t, "running", views[0]["state"])
	assert.Equal(t, "boom", views[0]["last_error"])
	assert.NotNil(t, views[0]["next_tick"])
	cfg := views[0]["config"].(map[string]any)
	assert.EqualValues(t, 1000, cfg["interval"])
	assert.EqualValues(t, 3, cfg["noOfRuns"])
	_, hasNext := views[1]["next_tick"]
	assert.False(t, hasNext)

	rec = get(t, h, "/timers?name=b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/timers?name=zzz", nil).Code)
}

func TestJournalEndpoint(t *testing.T) {
	t.Parallel()
	src := newSource(t)
	h := New(Config{Enabled: true}, src, logx.Nop()).Handler()

	rec := get(t, h, "/journal?timer=a&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, timer.EventFailed, recs[0].Event)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/journal?limit=x", nil).Code)

	src.err = storage.ErrDisabled
	assert.Equal(t, http.StatusNotFound, get(t, h, "/journal", nil).Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{Enabled: true, Token: "s3cret"}, newSource(t), logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", nil).Code)
}

func TestPprofOptIn(t *testing.T) {
	t.Parallel()
	off := New(Config{Enabled: true}, newSource(t), logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", nil).Code)

	on := New(Config{Enabled: true, Pprof: true}, newSource(t), logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/", nil).Code)
}

func TestBindSafety(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:7070"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":7070"))
	assert.False(t, isLoopbackAddr("0.0.0.0:7070"))

	require.NoError(t, CheckBind(Config{}))
	require.Error(t, CheckBind(Config{Addr: ":7070"}))
	require.NoError(t, CheckBind(Config{Addr: ":7070", Token: "x"}))
	require.NoError(t, CheckBind(Config{Addr: ":7070", AllowInsecure: true}))

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, newSource(t), logx.Nop())
	require.Error(t, s.Start(context.Background()))
	assert.Empty(t, s.Addr())
}

func TestServeAndReconfigure(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newSource(t), logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"}))
	require.NotEmpty(t, s.Addr())
	resp, err = http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())
	assert.False(t, s.Enabled())
}
