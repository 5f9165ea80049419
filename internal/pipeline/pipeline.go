// Package pipeline sequences the steps run for one project. The first failing
// step aborts the rest of its pipeline; other pipelines are unaffected.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"benchrun/internal/project"
)

// Action is one named step.
type Action interface {
	Name() string
	Run(ctx context.Context) error
	String() string
}

type step struct {
	name string
	desc string
	fn   func(ctx context.Context) error
}

func (s step) Name() string                  { return s.name }
func (s step) String() string                { return s.desc }
func (s step) Run(ctx context.Context) error { return s.fn(ctx) }

// Step wraps fn as an action named name, described by desc.
func Step(name, desc string, fn func(ctx context.Context) error) Action {
	return step{name: name, desc: desc, fn: fn}
}

func projectStep(name string, p project.Project, fn func(context.Context) error) Action {
	return step{
		name: name,
		desc: fmt.Sprintf("%s %s", strings.ToUpper(name[:1])+name[1:], p.Name()),
		fn:   fn,
	}
}

// Clean removes everything the project left behind.
func Clean(p project.Project) Action { return projectStep("clean", p, p.Clean) }

// MakeBuildDir creates the project's build directory.
func MakeBuildDir(p project.Project) Action {
	return step{
		name: "mkdir",
		desc: "Create build directory " + p.BuildDir(),
		fn: func(context.Context) error {
			if err := os.MkdirAll(p.BuildDir(), 0o755); err != nil {
				return fmt.Errorf("create build dir: %w", err)
			}
			return nil
		},
	}
}

func Prepare(p project.Project) Action   { return projectStep("prepare", p, p.Prepare) }
func Download(p project.Project) Action  { return projectStep("download", p, p.Download) }
func Configure(p project.Project) Action { return projectStep("configure", p, p.Configure) }
func Build(p project.Project) Action     { return projectStep("build", p, p.Build) }

// Run executes the project's measured commands through run.
func Run(p project.Project, run project.Runner) Action {
	return projectStep("run", p, func(ctx context.Context) error {
		return p.RunTests(ctx, run)
	})
}

// Echo reports progress and never fails.
func Echo(msg string, l *log.Logger) Action {
	return step{
		name: "echo",
		desc: "Echo: " + msg,
		fn: func(context.Context) error {
			if l != nil {
				l.Info(msg)
			}
			return nil
		},
	}
}

// StepError reports the step that aborted a pipeline.
type StepError struct {
	Index  int // 1-based
	Action string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Action, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Pipeline is the ordered steps of one project within one experiment.
type Pipeline struct {
	Project    string
	Experiment string
	Actions    []Action
}

// Len is the number of steps; it performs no work.
func (p *Pipeline) Len() int { return len(p.Actions) }

// Run executes the steps in order and stops at the first failure.
func (p *Pipeline) Run(ctx context.Context) error {
	for i, a := range p.Actions {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i + 1, Action: a.Name(), Err: err}
		}
		if err := a.Run(ctx); err != nil {
			return &StepError{Index: i + 1, Action: a.Name(), Err: err}
		}
	}
	return nil
}

// Describe writes one line per step.
func (p *Pipeline) Describe(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Project %s (%s), %d actions:\n", p.Project, p.Experiment, p.Len()); err != nil {
		return err
	}
	for i, a := range p.Actions {
		if _, err := fmt.Fprintf(w, "  %2d. %s\n", i+1, a); err != nil {
			return err
		}
	}
	return nil
}
