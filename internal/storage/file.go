package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tasktimer/pkg/logx"
)

// fileStore appends the journal to <prefix>.runs.jsonl. Every pruneEvery
// appends the file is rewritten to its newest maxRecords lines.
type fileStore struct {
	log        logx.Logger
	path       string
	pruneEvery int
	maxRecords int

	mu      sync.Mutex
	f       *os.File
	appends int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:        log,
		path:       filepath.Join(dir, base) + ".runs.jsonl",
		pruneEvery: 500,
		maxRecords: cfg.MaxRecords,
	}
	if st.maxRecords <= 0 {
		st.maxRecords = defaultMaxRecords
	}
	// A journal left over from a previous run may already exceed the bound.
	if err := st.prune(); err != nil {
		return nil, err
	}
	if err := st.reopen(); err != nil {
		return nil, err
	}
	log.Debug("journal opened", logx.String("path", st.path), logx.Int("max_records", st.maxRecords))
	return st, nil
}

func (s *fileStore) reopen() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("journal file closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.appends++
	if s.appends%s.pruneEvery != 0 {
		return nil
	}
	if err := s.prune(); err != nil {
		s.log.Warn("journal prune failed", logx.Err(err))
		return nil
	}
	// The old descriptor points at the replaced file.
	_ = s.f.Close()
	s.f = nil
	return s.reopen()
}

// prune rewrites the journal to its newest maxRecords lines through a temp
// file and rename. Callers hold s.mu or own s exclusively.
func (s *fileStore) prune() error {
	in, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()

	var lines [][]byte
	total := 0
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if !json.Valid(sc.Bytes()) {
			continue
		}
		total++
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
		if len(lines) > s.maxRecords {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if total <= s.maxRecords {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	s.log.Debug("journal pruned", logx.Int("dropped", total-len(lines)), logx.Int("kept", len(lines)))
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, timer string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn last line after a crash; skip it.
			continue
		}
		if timer != "" && r.Timer != timer {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}
