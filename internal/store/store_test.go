package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(context.Background(), DriverSQLite, SQLiteDSN(path), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("completed", func(t *testing.T) {
		g, err := s.BeginGroup(ctx, "x264", "raw")
		require.NoError(t, err)
		assert.Equal(t, GroupRunning, g.Status)

		require.NoError(t, s.EndGroup(ctx, g))
		got, err := s.GetGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, GroupCompleted, got.Status)
		assert.False(t, got.End.Before(got.Begin))
	})

	t.Run("failed", func(t *testing.T) {
		g, err := s.BeginGroup(ctx, "crafty", "raw")
		require.NoError(t, err)
		require.NoError(t, s.FailGroup(ctx, g))
		got, err := s.GetGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, GroupFailed, got.Status)
		assert.False(t, got.End.Before(got.Begin))
	})

	t.Run("terminal status is set once", func(t *testing.T) {
		g, err := s.BeginGroup(ctx, "tcc", "raw")
		require.NoError(t, err)
		require.NoError(t, s.EndGroup(ctx, g))
		assert.ErrorIs(t, s.FailGroup(ctx, g), ErrGroupFinished)
		assert.ErrorIs(t, s.EndGroup(ctx, g), ErrGroupFinished)

		got, err := s.GetGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, GroupCompleted, got.Status)
	})

	t.Run("unknown group", func(t *testing.T) {
		_, err := s.GetGroup(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEndNeverPrecedesBegin(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	// The clock runs backwards after the first reading.
	clock := func() time.Time {
		calls++
		return base.Add(-time.Duration(calls) * time.Minute)
	}
	s := openTestStore(t, WithClock(clock))

	g, err := s.BeginGroup(ctx, "sdcc", "raw")
	require.NoError(t, err)
	require.NoError(t, s.EndGroup(ctx, g))
	assert.Equal(t, g.Begin, g.End)

	h, err := s.BeginRun(ctx, NewRun{Command: "true", Project: "sdcc", Experiment: "raw", Group: g.ID, Config: "{}"})
	require.NoError(t, err)
	require.NoError(t, h.Fail(ctx, 2, "", "boom"))
	log, err := s.GetRunLog(ctx, h.ID)
	require.NoError(t, err)
	assert.False(t, log.End.Before(log.Begin))
}

func TestListRunsOrdersSubsecondBegins(t *testing.T) {
	ctx := context.Background()
	stamps := []time.Time{
		time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC),
		time.Date(2024, 3, 1, 12, 0, 5, 500_000_000, time.UTC),
		time.Date(2024, 3, 1, 12, 0, 5, 120_000, time.UTC),
	}
	next := 0
	s := openTestStore(t, WithClock(func() time.Time {
		ts := stamps[min(next, len(stamps)-1)]
		next++
		return ts
	}))

	var ids []string
	for range stamps {
		h, err := s.BeginRun(ctx, NewRun{Command: "true", Project: "gzip", Experiment: "raw", Config: "{}"})
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}

	runs, err := s.ListRuns(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, []string{runs[0].ID, runs[1].ID, runs[2].ID})
	assert.True(t, runs[2].Begin.Equal(stamps[0]))

	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, s.rebind(`SELECT begin_at FROM run WHERE id = ?`), ids[0]).Scan(&raw))
	assert.Equal(t, "2024-03-01T12:00:05.000000000Z", raw)
}

func TestGetRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	h, err := s.BeginRun(ctx, NewRun{Command: "./crafty", Project: "crafty", Experiment: "raw", ExperimentGroup: "exp-1", Group: "group-1", Config: "{}"})
	require.NoError(t, err)
	require.NoError(t, h.Complete(ctx, Completion{Stdout: "ok"}))

	r, err := s.GetRun(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "./crafty", r.Command)
	assert.Equal(t, "crafty", r.Project)
	assert.Equal(t, "group-1", r.Group)
	assert.Equal(t, RunCompleted, r.Status)
	assert.False(t, r.End.Before(r.Begin))

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunCompleteWithTimings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	h, err := s.BeginRun(ctx, NewRun{
		Command:         "/usr/bin/time -f BB-TIME: x264",
		Project:         "x264",
		Experiment:      "raw",
		ExperimentGroup: "exp-1",
		Group:           "group-1",
		Config:          `{"jobs":4}`,
	})
	require.NoError(t, err)

	running, err := s.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, h.ID, running[0].ID)

	err = h.Complete(ctx, Completion{
		Stdout:  "encoded 50 frames\n",
		Stderr:  "BB-TIME: 1.5-0.25-2.0\n",
		Timings: []Timing{{User: 1.5, System: 0.25, Real: 2.0}},
		Config:  map[string]string{"cores": "4"},
	})
	require.NoError(t, err)
	assert.True(t, h.Finalized())

	log, err := s.GetRunLog(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), log.Status.Int64)
	assert.True(t, log.Status.Valid)
	assert.Equal(t, "encoded 50 frames\n", log.Stdout)
	assert.Equal(t, `{"jobs":4}`, log.Config)

	timings, err := s.Timings(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, []Timing{{User: 1.5, System: 0.25, Real: 2.0}}, timings)

	cfg, err := s.RunConfig(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cores": "4"}, cfg)

	runs, err := s.ListRuns(ctx, Filter{Projects: []string{"x264"}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status)
	assert.Equal(t, "exp-1", runs[0].ExperimentGroup)

	orphans, err := s.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestRunWithoutTimingsSkipsPersistence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	h, err := s.BeginRun(ctx, NewRun{Command: "true", Project: "p", Experiment: "raw", Config: "{}"})
	require.NoError(t, err)
	require.NoError(t, h.Complete(ctx, Completion{Config: map[string]string{"cores": "1"}}))

	timings, err := s.Timings(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, timings)
	cfg, err := s.RunConfig(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, cfg)
}

func TestRunFinalizedOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	h, err := s.BeginRun(ctx, NewRun{Command: "false", Project: "p", Experiment: "raw", Config: "{}"})
	require.NoError(t, err)
	require.NoError(t, h.Fail(ctx, 1, "out", "err"))
	assert.ErrorIs(t, h.Fail(ctx, 1, "", ""), ErrFinalized)
	assert.ErrorIs(t, h.Complete(ctx, Completion{}), ErrFinalized)

	log, err := s.GetRunLog(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), log.Status.Int64)
	assert.Equal(t, "err", log.Stderr)

	failed, err := s.ListRuns(ctx, Filter{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, RunFailed, failed[0].Status)
}

func TestCompleteRollsBackOnCancel(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := s.BeginRun(ctx, NewRun{Command: "bench", Project: "p", Experiment: "raw", Config: "{}"})
	require.NoError(t, err)
	cancel()

	err = h.Complete(ctx, Completion{
		Stdout:  "partial",
		Timings: []Timing{{User: 1, System: 1, Real: 1}},
		Config:  map[string]string{"cores": "2"},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.Finalized())

	bg := context.Background()
	timings, err := s.Timings(bg, h.ID)
	require.NoError(t, err)
	assert.Empty(t, timings, "rolled back transaction must not leave samples")

	require.NoError(t, h.Fail(bg, -1, "partial", "interrupted"))
	log, err := s.GetRunLog(bg, h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), log.Status.Int64)
	assert.Equal(t, "interrupted", log.Stderr)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE a = $1 AND b IN ($2, $3)",
		pg.rebind("SELECT a FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "SELECT ? FROM t", lite.rebind("SELECT ? FROM t"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn")
	assert.Error(t, err)
}
