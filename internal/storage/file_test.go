package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logx "tasktimer/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "tape"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 1; i <= 4; i++ {
		require.NoError(t, st.AppendRun(ctx, RunRecord{At: now, Timer: "a", Event: "timer.tick", Seq: uint64(i), RunsCompleted: int64(i)}))
	}
	require.NoError(t, st.AppendRun(ctx, RunRecord{At: now, Timer: "b", Event: "timer.failed", Seq: 1, Error: "boom"}))

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "journal.runs.jsonl"))
	require.NoError(t, err)

	all, err := st.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	last, err := st.ListRuns(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.EqualValues(t, 3, last[0].Seq)
	assert.EqualValues(t, 4, last[1].Seq)
	assert.True(t, now.Equal(last[1].At))

	b, err := st.ListRuns(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, "boom", b[0].Error)

	require.NoError(t, st.Close())
	require.Error(t, st.AppendRun(ctx, RunRecord{Timer: "a"}))
}

func TestFileStoreRequiresPath(t *testing.T) {
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStorePrunesToMaxRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	st, err := Open(Config{Driver: "file", Path: path, MaxRecords: 5}, logx.Nop())
	require.NoError(t, err)
	st.(*fileStore).pruneEvery = 3

	ctx := context.Background()
	for i := 1; i <= 18; i++ {
		require.NoError(t, st.AppendRun(ctx, RunRecord{At: time.Now(), Timer: "a", Event: "timer.tick", Seq: uint64(i)}))
	}
	all, err := st.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.EqualValues(t, 14, all[0].Seq)
	assert.EqualValues(t, 18, all[4].Seq)

	// appends after a prune land in the rewritten file
	require.NoError(t, st.AppendRun(ctx, RunRecord{At: time.Now(), Timer: "a", Event: "timer.tick", Seq: 19}))
	all, err = st.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.EqualValues(t, 19, all[5].Seq)
	require.NoError(t, st.Close())

	// reopening with a smaller bound trims the existing journal
	st, err = Open(Config{Driver: "file", Path: path, MaxRecords: 2}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	all, err = st.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.EqualValues(t, 18, all[0].Seq)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStoreAppendHonoursContext(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, st.AppendRun(ctx, RunRecord{Timer: "a"}), context.Canceled)

	all, err := st.ListRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}
