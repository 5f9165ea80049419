package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"benchrun/internal/command"
	"benchrun/internal/config"
)

func newProject(t *testing.T, decl config.ProjectConfig) *Scripted {
	t.Helper()
	p, err := NewScripted(decl, Env{
		Experiment: "raw",
		BuildRoot:  t.TempDir(),
		Jobs:       2,
		CFlags:     []string{"-O3", "-mllvm", "-polly"},
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(p.BuildDir(), 0o755))
	return p
}

func TestScriptedStepsRunInBuildDir(t *testing.T) {
	p := newProject(t, config.ProjectConfig{
		Name:      "gzip",
		Prepare:   []string{"echo prepared > prep.txt"},
		Configure: []string{`printf '%s|%s' "$CFLAGS" "$JOBS" > flags.txt`},
	})
	ctx := context.Background()
	require.NoError(t, p.Prepare(ctx))
	require.NoError(t, p.Download(ctx))
	require.NoError(t, p.Configure(ctx))

	data, err := os.ReadFile(filepath.Join(p.BuildDir(), "prep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "prepared\n", string(data))

	data, err = os.ReadFile(filepath.Join(p.BuildDir(), "flags.txt"))
	require.NoError(t, err)
	assert.Equal(t, "-O3 -mllvm -polly|2", string(data))
}

func TestScriptedStepFailure(t *testing.T) {
	p := newProject(t, config.ProjectConfig{Name: "bzip2", Build: []string{"exit 4", "touch never"}})

	err := p.Build(context.Background())
	var exitErr *command.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.Code)
	assert.NoFileExists(t, filepath.Join(p.BuildDir(), "never"))
}

func TestRunTestsUsesRunner(t *testing.T) {
	p := newProject(t, config.ProjectConfig{
		Name: "xz",
		Run:  []string{`./xz -k "input file"`, "./xz -t out"},
	})
	var got []command.Command
	err := p.RunTests(context.Background(), func(_ context.Context, cmd command.Command) error {
		got = append(got, cmd)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "./xz", got[0].Path)
	assert.Equal(t, []string{"-k", "input file"}, got[0].Args)
	assert.Equal(t, p.BuildDir(), got[0].Dir)
	assert.Contains(t, got[0].Env, "BB_PROJECT=xz")
}

func TestRunTestsFeedsStdin(t *testing.T) {
	testDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(testDir, "test1.sh"), []byte("bench 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(testDir, "test2.sh"), []byte("bench 2\n"), 0o644))

	p, err := NewScripted(config.ProjectConfig{
		Name:  "crafty",
		Stdin: "test1.sh",
		Run:   []string{"cat", "cat < test2.sh"},
	}, Env{Experiment: "raw", BuildRoot: t.TempDir(), TestDir: testDir})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(p.BuildDir(), 0o755))

	var outputs []string
	err = p.RunTests(context.Background(), func(ctx context.Context, cmd command.Command) error {
		res, err := command.Runner{}.Run(ctx, cmd)
		outputs = append(outputs, res.Stdout)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bench 1\n", "bench 2\n"}, outputs)
}

func TestRunTestsMissingStdin(t *testing.T) {
	p := newProject(t, config.ProjectConfig{Name: "crafty", Run: []string{"cat < nope.sh"}})
	called := false
	err := p.RunTests(context.Background(), func(context.Context, command.Command) error {
		called = true
		return nil
	})
	assert.ErrorContains(t, err, "stdin")
	assert.False(t, called)
}

func TestRunTestsStopsAtFirstFailure(t *testing.T) {
	p := newProject(t, config.ProjectConfig{Name: "xz", Run: []string{"a", "b"}})
	calls := 0
	err := p.RunTests(context.Background(), func(context.Context, command.Command) error {
		calls++
		return &command.ExitError{Code: 1}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCleanRemovesBuildDir(t *testing.T) {
	p := newProject(t, config.ProjectConfig{Name: "gzip", Clean: []string{"touch cleaned"}})
	require.NoError(t, p.Clean(context.Background()))
	assert.NoDirExists(t, p.BuildDir())
	assert.NoError(t, p.Clean(context.Background()), "cleaning twice is fine")
}

func TestRemoveUnderRefusesOutsideRoot(t *testing.T) {
	root := t.TempDir()
	assert.Error(t, RemoveUnder(root, root))
	assert.Error(t, RemoveUnder(root, filepath.Dir(root)))
	assert.Error(t, RemoveUnder(root, filepath.Join(root, "..", "other")))

	inside := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(inside, 0o755))
	require.NoError(t, RemoveUnder(root, inside))
	assert.NoDirExists(t, inside)
}

func TestSelect(t *testing.T) {
	specs := []config.ProjectConfig{
		{Name: "xz", Group: "compression"},
		{Name: "sqlite", Group: "database"},
		{Name: "gzip", Group: "compression"},
	}
	env := Env{Experiment: "raw", BuildRoot: t.TempDir()}

	all, err := Select(specs, nil, "", env)
	require.NoError(t, err)
	assert.Equal(t, []string{"gzip", "xz", "sqlite"}, Names(all))

	grouped, err := Select(specs, nil, "compression", env)
	require.NoError(t, err)
	assert.Equal(t, []string{"gzip", "xz"}, Names(grouped))

	named, err := Select(specs, []string{"sqlite"}, "", env)
	require.NoError(t, err)
	assert.Equal(t, []string{"sqlite"}, Names(named))

	_, err = Select(specs, []string{"nope"}, "", env)
	assert.ErrorIs(t, err, ErrUnknownProject)
}
