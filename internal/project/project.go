// Package project defines the capability set every benchmark project exposes
// and a project implementation driven by shell lines from the configuration.
package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"benchrun/internal/command"
	"benchrun/internal/config"
)

// ErrUnknownProject is returned by Select for names that are not declared.
var ErrUnknownProject = errors.New("unknown project")

// Runner executes a measured command. The guarded executor provides it.
type Runner func(ctx context.Context, cmd command.Command) error

// Project is one benchmark. Every step either succeeds or returns an error,
// typically a *command.ExitError.
type Project interface {
	Name() string
	Group() string
	BuildDir() string
	Prepare(ctx context.Context) error
	Download(ctx context.Context) error
	Configure(ctx context.Context) error
	Build(ctx context.Context) error
	RunTests(ctx context.Context, run Runner) error
	Clean(ctx context.Context) error
}

// Env is what an experiment hands to the projects it builds.
type Env struct {
	Experiment string
	BuildRoot  string
	TestDir    string
	LLVMDir    string
	Jobs       int
	CFlags     []string
	LDFlags    []string
	Stdout     io.Writer
	Stderr     io.Writer
	Log        *log.Logger
}

// Scripted is a project whose steps are shell lines. Setup steps run through
// /bin/sh inside the build directory; run lines are split into argv and handed
// to the measured runner.
type Scripted struct {
	decl   config.ProjectConfig
	env    Env
	dir    string
	runner command.Runner
}

// NewScripted builds the project declared by decl.
func NewScripted(decl config.ProjectConfig, env Env) (*Scripted, error) {
	if decl.Name == "" {
		return nil, errors.New("project name cannot be empty")
	}
	if env.BuildRoot == "" {
		return nil, fmt.Errorf("project %s: build root cannot be empty", decl.Name)
	}
	root, err := filepath.Abs(env.BuildRoot)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", decl.Name, err)
	}
	env.BuildRoot = root
	if env.TestDir != "" {
		if env.TestDir, err = filepath.Abs(env.TestDir); err != nil {
			return nil, fmt.Errorf("project %s: %w", decl.Name, err)
		}
	}
	if env.Log == nil {
		env.Log = log.New(io.Discard)
	}
	return &Scripted{
		decl:   decl,
		env:    env,
		dir:    filepath.Join(root, env.Experiment, decl.Name),
		runner: command.Runner{Stdout: env.Stdout, Stderr: env.Stderr},
	}, nil
}

func (p *Scripted) Name() string     { return p.decl.Name }
func (p *Scripted) Group() string    { return p.decl.Group }
func (p *Scripted) BuildDir() string { return p.dir }

func (p *Scripted) Prepare(ctx context.Context) error   { return p.shell(ctx, "prepare", p.decl.Prepare) }
func (p *Scripted) Download(ctx context.Context) error  { return p.shell(ctx, "download", p.decl.Download) }
func (p *Scripted) Configure(ctx context.Context) error { return p.shell(ctx, "configure", p.decl.Configure) }
func (p *Scripted) Build(ctx context.Context) error     { return p.shell(ctx, "build", p.decl.Build) }

// RunTests hands every run line to run.
func (p *Scripted) RunTests(ctx context.Context, run Runner) error {
	for _, line := range p.decl.Run {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.runLine(ctx, run, line); err != nil {
			return err
		}
	}
	return nil
}

func (p *Scripted) runLine(ctx context.Context, run Runner, line string) error {
	cmd, input, err := command.ParseRedirect(line)
	if err != nil {
		return fmt.Errorf("project %s: %w", p.Name(), err)
	}
	if input == "" {
		input = p.decl.Stdin
	}
	cmd = cmd.InDir(p.dir).WithEnv(p.environ()...)
	if input != "" {
		f, err := os.Open(p.inputPath(input))
		if err != nil {
			return fmt.Errorf("project %s: stdin: %w", p.Name(), err)
		}
		defer f.Close()
		cmd.Stdin = f
	}
	return run(ctx, cmd)
}

// inputPath resolves a stdin file against the test input directory, or the
// build directory when there is none.
func (p *Scripted) inputPath(name string) string {
	switch {
	case filepath.IsAbs(name):
		return name
	case p.env.TestDir != "":
		return filepath.Join(p.env.TestDir, name)
	default:
		return filepath.Join(p.dir, name)
	}
}

// Clean runs the clean lines, if any, and removes the build directory.
func (p *Scripted) Clean(ctx context.Context) error {
	if _, err := os.Stat(p.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := p.shell(ctx, "clean", p.decl.Clean); err != nil {
		return err
	}
	return RemoveUnder(p.env.BuildRoot, p.dir)
}

func (p *Scripted) shell(ctx context.Context, step string, lines []string) error {
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.env.Log.Debug("project step", "project", p.Name(), "step", step, "line", line)
		cmd := command.Shell(line).InDir(p.dir).WithEnv(p.environ()...)
		if _, err := p.runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("project %s %s: %w", p.Name(), step, err)
		}
	}
	return nil
}

func (p *Scripted) environ() []string {
	env := []string{
		"BB_PROJECT=" + p.Name(),
		"BB_BUILD_DIR=" + p.dir,
		"JOBS=" + strconv.Itoa(max(p.env.Jobs, 1)),
	}
	if p.env.TestDir != "" {
		env = append(env, "BB_TEST_DIR="+p.env.TestDir)
	}
	if p.env.LLVMDir != "" {
		env = append(env, "LLVM_DIR="+p.env.LLVMDir)
		env = append(env, "CC="+filepath.Join(p.env.LLVMDir, "bin", "clang"))
		env = append(env, "CXX="+filepath.Join(p.env.LLVMDir, "bin", "clang++"))
	}
	if len(p.env.CFlags) > 0 {
		env = append(env, "CFLAGS="+strings.Join(p.env.CFlags, " "))
	}
	if len(p.env.LDFlags) > 0 {
		env = append(env, "LDFLAGS="+strings.Join(p.env.LDFlags, " "))
	}
	return env
}

// RemoveUnder deletes path, refusing anything that is not strictly inside root.
func RemoveUnder(root, path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s outside %s", path, root)
	}
	return os.RemoveAll(path)
}

// Select builds the projects named in names, or every declared project when
// names is empty. A non-empty group keeps only projects of that group. The
// result is sorted by group, then name.
func Select(decls []config.ProjectConfig, names []string, group string, env Env) ([]Project, error) {
	byName := make(map[string]config.ProjectConfig, len(decls))
	for _, s := range decls {
		byName[s.Name] = s
	}

	var chosen []config.ProjectConfig
	if len(names) == 0 {
		chosen = append(chosen, decls...)
	} else {
		for _, n := range names {
			s, ok := byName[n]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProject, n)
			}
			chosen = append(chosen, s)
		}
	}

	var out []Project
	for _, s := range chosen {
		if group != "" && s.Group != group {
			continue
		}
		p, err := NewScripted(s, env)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Group() != out[j].Group() {
			return out[i].Group() < out[j].Group()
		}
		return out[i].Name() < out[j].Name()
	})
	return out, nil
}

// Names returns the names of ps in order.
func Names(ps []Project) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name()
	}
	return names
}
