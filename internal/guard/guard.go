// Package guard runs one external command while recording its lifecycle in the
// results store. Every call leaves exactly one terminal run log behind:
// completed, failed with the process exit code, or failed as interrupted.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"benchrun/internal/command"
	"benchrun/internal/config"
	"benchrun/internal/logger"
	"benchrun/internal/metrics"
	"benchrun/internal/store"
	"benchrun/internal/timing"
)

// ErrInterrupted is returned when the caller's context was cancelled while a
// guarded command was running.
var ErrInterrupted = errors.New("interrupted")

// InterruptedCode is the exit code recorded for interrupted and panicked runs.
const InterruptedCode = -1

// Status is the terminal state of one guarded execution.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Outcome is what a guarded execution produced.
type Outcome struct {
	RunID    string
	Status   Status
	ExitCode int
	Stdout   string
	Stderr   string
	Timings  []timing.Sample
	Duration time.Duration
	// Failure is set when Status is StatusFailed.
	Failure *command.ExitError
}

// Err converts a failed or interrupted outcome into an error.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusFailed:
		if o.Failure != nil {
			return o.Failure
		}
		return fmt.Errorf("run %s failed with code %d", o.RunID, o.ExitCode)
	case StatusInterrupted:
		return ErrInterrupted
	default:
		return nil
	}
}

// Runner starts processes. command.Runner is the production implementation.
type Runner interface {
	Run(ctx context.Context, cmd command.Command) (command.Result, error)
}

// Target identifies what a command is measured for.
type Target struct {
	Project         string
	Experiment      string
	ExperimentGroup string
	Group           string
}

// Executor guards commands one at a time.
type Executor struct {
	store   *store.Store
	cfg     config.Config
	runner  Runner
	marker  string
	metrics *metrics.Recorder
	log     *log.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(e *Executor) { e.runner = r }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithMarker overrides the timing marker searched in stderr.
func WithMarker(marker string) Option {
	return func(e *Executor) { e.marker = marker }
}

// New returns an Executor writing to st. cfg is attached to every run log and
// supplies the job count and the time binary.
func New(st *store.Store, cfg config.Config, l *log.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:  st,
		cfg:    cfg,
		runner: command.Runner{Stdout: os.Stdout, Stderr: os.Stderr},
		marker: timing.Marker,
		log:    l,
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithJobs returns a copy of e that gives guarded commands n cores.
func (e *Executor) WithJobs(n int) *Executor {
	c := *e
	c.cfg.Jobs = n
	return &c
}

// Bind returns a function that guards commands for t and reports any failure as
// an error. Projects use it to run their measured binaries.
func (e *Executor) Bind(t Target) func(context.Context, command.Command) error {
	return func(ctx context.Context, cmd command.Command) error {
		out, err := e.Guard(ctx, cmd, t)
		if err != nil {
			return err
		}
		return out.Err()
	}
}

// Guard runs cmd for t. The returned error is non-nil when the run could not be
// recorded or when ctx was cancelled; a command that merely exits non-zero
// yields a StatusFailed outcome and a nil error.
func (e *Executor) Guard(ctx context.Context, cmd command.Command, t Target) (out Outcome, err error) {
	snapshot, err := e.cfg.Snapshot()
	if err != nil {
		return Outcome{}, err
	}
	h, err := e.store.BeginRun(ctx, store.NewRun{
		Command:         cmd.String(),
		Project:         t.Project,
		Experiment:      t.Experiment,
		ExperimentGroup: t.ExperimentGroup,
		Group:           t.Group,
		Config:          snapshot,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("guard %s: %w", t.Project, err)
	}
	out = Outcome{RunID: h.ID}
	// Recording must outlive the caller's cancellation.
	rec := context.WithoutCancel(ctx)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			if !h.Finalized() {
				if ferr := h.Fail(rec, InterruptedCode, out.Stdout, fmt.Sprint(r)); ferr != nil {
					e.log.Error("record panicked run", "run", h.ID, "err", ferr)
				}
			}
			panic(r)
		}
		out.Duration = time.Since(start)
		if out.Status != "" {
			e.metrics.ObserveRun(t.Experiment, t.Project, string(out.Status), out.Duration)
		}
	}()

	jobs := e.cfg.Jobs
	if jobs < 1 {
		jobs = 1
	}
	wrapped := timing.Wrap(cmd, e.cfg.TimeBinary).WithEnv(
		"OMP_NUM_THREADS="+strconv.Itoa(jobs),
		"BB_DB_RUN_ID="+h.ID,
	)
	e.log.Debug("guarded run", "run", h.ID, "project", t.Project, "command", wrapped.String())

	res, runErr := e.runner.Run(ctx, wrapped)
	out.Stdout, out.Stderr = res.Stdout, res.Stderr

	if ctx.Err() != nil {
		return e.interrupted(ctx, h, out)
	}

	if runErr != nil {
		var exitErr *command.ExitError
		if !errors.As(runErr, &exitErr) {
			exitErr = &command.ExitError{
				Command: cmd.String(),
				Code:    command.StartFailureCode,
				Stdout:  res.Stdout,
				Stderr:  runErr.Error(),
				Err:     runErr,
			}
		}
		out.Status = StatusFailed
		out.ExitCode = exitErr.Code
		out.Failure = exitErr
		if err := h.Fail(rec, exitErr.Code, out.Stdout, exitErr.Stderr); err != nil {
			return out, fmt.Errorf("record failed run %s: %w", h.ID, err)
		}
		e.log.Warn("command failed", "run", h.ID, "project", t.Project, "code", exitErr.Code)
		return out, nil
	}

	out.Timings = timing.ParseString(e.marker, out.Stderr)
	completion := store.Completion{Stdout: out.Stdout, Stderr: out.Stderr}
	if len(out.Timings) == 0 {
		e.log.Warn("no measurement", "run", h.ID, "project", t.Project)
	} else {
		completion.Timings = make([]store.Timing, len(out.Timings))
		for i, s := range out.Timings {
			completion.Timings[i] = store.Timing{User: s.User, System: s.System, Real: s.Real}
		}
		completion.Config = map[string]string{"cores": strconv.Itoa(jobs)}
	}

	if err := h.Complete(ctx, completion); err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, h, out)
		}
		if ferr := h.Fail(rec, InterruptedCode, out.Stdout, "record completion: "+err.Error()); ferr != nil {
			err = errors.Join(err, ferr)
		}
		out.Status = StatusFailed
		out.ExitCode = InterruptedCode
		return out, fmt.Errorf("record completed run %s: %w", h.ID, err)
	}
	out.Status = StatusCompleted
	e.log.Info("command completed", "run", h.ID, "project", t.Project, "samples", len(out.Timings))
	return out, nil
}

func (e *Executor) interrupted(ctx context.Context, h *store.RunHandle, out Outcome) (Outcome, error) {
	out.Status = StatusInterrupted
	out.ExitCode = InterruptedCode
	out.Timings = nil
	if err := h.Fail(context.WithoutCancel(ctx), InterruptedCode, out.Stdout, "interrupted"); err != nil {
		return out, errors.Join(ErrInterrupted, fmt.Errorf("record interrupted run %s: %w", h.ID, err))
	}
	e.log.Warn("command interrupted", "run", h.ID)
	return out, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}
