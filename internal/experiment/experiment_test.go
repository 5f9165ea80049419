package experiment

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"benchrun/internal/command"
	"benchrun/internal/config"
	"benchrun/internal/guard"
	"benchrun/internal/metrics"
	"benchrun/internal/pipeline"
	"benchrun/internal/project"
	"benchrun/internal/store"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "x", Steps: func(StepContext) []pipeline.Action { return nil }}
	require.NoError(t, r.Register(def))
	assert.ErrorIs(t, r.Register(def), ErrDuplicateExperiment)
	assert.Error(t, r.Register(Definition{Name: "nosteps"}))

	got, err := r.Lookup("x")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownExperiment)
}

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"empty", "polly", "raw"}, r.Names())

	other := Default()
	require.NoError(t, other.Register(Definition{Name: "extra", Steps: Empty().Steps}))
	assert.NotContains(t, r.Names(), "extra", "registries share no state")
}

type fakeProject struct {
	name     string
	dir      string
	buildErr error
	lines    []string
}

func (f *fakeProject) Name() string                    { return f.name }
func (f *fakeProject) Group() string                   { return "test" }
func (f *fakeProject) BuildDir() string                { return f.dir }
func (f *fakeProject) Prepare(context.Context) error   { return nil }
func (f *fakeProject) Download(context.Context) error  { return nil }
func (f *fakeProject) Configure(context.Context) error { return nil }
func (f *fakeProject) Build(context.Context) error     { return f.buildErr }
func (f *fakeProject) Clean(context.Context) error     { return nil }
func (f *fakeProject) RunTests(ctx context.Context, run project.Runner) error {
	for _, l := range f.lines {
		if err := run(ctx, command.Shell(l)); err != nil {
			return err
		}
	}
	return nil
}

func newRuntime(t *testing.T, jobs int) Runtime {
	t.Helper()
	dsn := store.SQLiteDSN(filepath.Join(t.TempDir(), "results.db"))
	st, err := store.Open(context.Background(), store.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{Experiment: "exp-42", Jobs: jobs}
	rec := metrics.New()
	return Runtime{
		Config:   cfg,
		Store:    st,
		Executor: guard.New(st, cfg, nil, guard.WithMetrics(rec)),
		Metrics:  rec,
	}
}

func TestExecuteIsolatesProjects(t *testing.T) {
	rt := newRuntime(t, 1)
	root := t.TempDir()
	ok := &fakeProject{name: "gzip", dir: filepath.Join(root, "gzip"), lines: []string{"echo 'BB-TIME: 1-2-3' >&2"}}
	broken := &fakeProject{name: "bzip2", dir: filepath.Join(root, "bzip2"), buildErr: errors.New("no compiler")}
	failing := &fakeProject{name: "xz", dir: filepath.Join(root, "xz"), lines: []string{"exit 2", "true"}}

	x := New(Raw(), []project.Project{broken, ok, failing}, rt)
	assert.Equal(t, 27, x.Len())

	results, err := x.Execute(context.Background())
	require.Error(t, err)
	require.Len(t, results, 3)

	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	var exitErr *command.ExitError
	assert.ErrorAs(t, results[2].Err, &exitErr)

	ctx := context.Background()
	for i, want := range []store.GroupStatus{store.GroupFailed, store.GroupCompleted, store.GroupFailed} {
		g, err := rt.Store.GetGroup(ctx, results[i].Group)
		require.NoError(t, err)
		assert.Equal(t, want, g.Status, results[i].Project)
		assert.False(t, g.End.Before(g.Begin))
	}

	runs, err := rt.Store.ListRuns(ctx, store.Filter{Projects: []string{"gzip"}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, results[1].Group, runs[0].Group)
	assert.Equal(t, "exp-42", runs[0].ExperimentGroup)
	assert.Equal(t, "raw", runs[0].Experiment)

	runs, err = rt.Store.ListRuns(ctx, store.Filter{Projects: []string{"xz"}})
	require.NoError(t, err)
	assert.Len(t, runs, 1, "second run line never executes")
}

type cancellingRunner struct{ cancel context.CancelFunc }

func (c cancellingRunner) Run(context.Context, command.Command) (command.Result, error) {
	c.cancel()
	return command.Result{Stdout: "partial"}, nil
}

func TestExecuteStopsOnInterrupt(t *testing.T) {
	rt := newRuntime(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Executor = guard.New(rt.Store, rt.Config, nil, guard.WithRunner(cancellingRunner{cancel}))

	root := t.TempDir()
	a := &fakeProject{name: "a", dir: filepath.Join(root, "a"), lines: []string{"true"}}
	b := &fakeProject{name: "b", dir: filepath.Join(root, "b"), lines: []string{"true"}}

	results, err := New(Raw(), []project.Project{a, b}, rt).Execute(ctx)
	assert.ErrorIs(t, err, guard.ErrInterrupted)
	require.Len(t, results, 1, "second project never starts")

	g, gerr := rt.Store.GetGroup(context.Background(), results[0].Group)
	require.NoError(t, gerr)
	assert.Equal(t, store.GroupFailed, g.Status)

	orphans, oerr := rt.Store.Orphans(context.Background())
	require.NoError(t, oerr)
	assert.Empty(t, orphans)

	failed, ferr := rt.Store.ListRuns(context.Background(), store.Filter{FailedOnly: true})
	require.NoError(t, ferr)
	assert.Len(t, failed, 1)
}

func TestPollyRepeatsPerCoreCount(t *testing.T) {
	rt := newRuntime(t, 3)
	p := &fakeProject{name: "lulesh", dir: filepath.Join(t.TempDir(), "lulesh"), lines: []string{`echo "BB-TIME: 1-1-$OMP_NUM_THREADS" >&2`}}

	x := New(Polly(), []project.Project{p}, rt)
	assert.Equal(t, 3*8+1+2, x.Len(), "a regroup before every core count after the first")

	results, err := x.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	ctx := context.Background()
	runs, err := rt.Store.ListRuns(ctx, store.Filter{Experiments: []string{"polly"}})
	require.NoError(t, err)
	require.Len(t, runs, 3)

	seen := map[string]bool{}
	groups := map[string]string{}
	for _, r := range runs {
		cfg, err := rt.Store.RunConfig(ctx, r.ID)
		require.NoError(t, err)
		seen[cfg["cores"]] = true
		groups[r.Group] = cfg["cores"]
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true, "3": true}, seen)
	require.Len(t, groups, 3, "each core count runs in its own group")
	assert.Contains(t, groups, results[0].Group)
	assert.Equal(t, "3", groups[results[0].Group])

	for id := range groups {
		g, err := rt.Store.GetGroup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.GroupCompleted, g.Status)
		assert.Equal(t, "lulesh", g.Project)
	}
}

func TestInstantiateSelectsConfiguredProjects(t *testing.T) {
	rt := newRuntime(t, 1)
	rt.Config.BuildDir = t.TempDir()
	rt.Config.Projects = []config.ProjectConfig{
		{Name: "gzip", Group: "compression"},
		{Name: "sqlite", Group: "database"},
	}

	x, err := Default().Instantiate("empty", Selection{Group: "database"}, rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"sqlite"}, project.Names(x.Projects()))
	assert.Equal(t, 6, x.Len())

	var buf bytes.Buffer
	require.NoError(t, x.Describe(&buf))
	assert.Contains(t, buf.String(), "Experiment empty: 1 projects, 6 actions")

	_, err = Default().Instantiate("nope", Selection{}, rt)
	assert.ErrorIs(t, err, ErrUnknownExperiment)
}
