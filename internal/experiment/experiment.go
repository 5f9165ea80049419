package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"benchrun/internal/command"
	"benchrun/internal/config"
	"benchrun/internal/guard"
	"benchrun/internal/logger"
	"benchrun/internal/metrics"
	"benchrun/internal/pipeline"
	"benchrun/internal/project"
	"benchrun/internal/store"
)

// StepContext is handed to Definition.Steps for each project.
type StepContext struct {
	Project project.Project
	Jobs    int
	Log     *log.Logger
	// Runner returns a measured runner that gives commands the given cores.
	Runner func(cores int) project.Runner
	// Regroup closes the project's run group and opens a new one. Runs after
	// it are recorded under the new group.
	Regroup pipeline.Action
}

// Runtime carries the collaborators an experiment runs against.
type Runtime struct {
	Config   config.Config
	Store    *store.Store
	Executor *guard.Executor
	Metrics  *metrics.Recorder
	Log      *log.Logger
	Stdout   io.Writer
	Stderr   io.Writer
}

// Selection narrows the declared projects. Empty means all.
type Selection struct {
	Projects []string
	Group    string
}

type entry struct {
	project  project.Project
	pipeline *pipeline.Pipeline
	group    *store.Group
}

func (en *entry) groupID() string {
	if en.group == nil {
		return ""
	}
	return en.group.ID
}

// Experiment is one definition bound to a project selection. Its pipelines are
// fixed at creation.
type Experiment struct {
	def     Definition
	rt      Runtime
	entries []*entry
}

// Result is the fate of one project. Group is the last run group it used.
type Result struct {
	Project string
	Group   string
	Err     error
}

// Instantiate binds the experiment called name to the selected projects.
func (r *Registry) Instantiate(name string, sel Selection, rt Runtime) (*Experiment, error) {
	def, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if rt.Log == nil {
		rt.Log = logger.Discard()
	}
	cfg := rt.Config
	projects, err := project.Select(cfg.Projects, sel.Projects, sel.Group, project.Env{
		Experiment: def.Name,
		BuildRoot:  cfg.BuildDir,
		TestDir:    cfg.TestDir,
		LLVMDir:    cfg.LLVM.Dir,
		Jobs:       cfg.Jobs,
		CFlags:     def.CFlags,
		LDFlags:    def.LDFlags,
		Stdout:     rt.Stdout,
		Stderr:     rt.Stderr,
		Log:        rt.Log,
	})
	if err != nil {
		return nil, err
	}
	return New(def, projects, rt), nil
}

// New binds def to an explicit project list.
func New(def Definition, projects []project.Project, rt Runtime) *Experiment {
	if rt.Log == nil {
		rt.Log = logger.Discard()
	}
	x := &Experiment{def: def, rt: rt}
	for _, p := range projects {
		en := &entry{project: p}
		sc := StepContext{
			Project: p,
			Jobs:    rt.Config.Jobs,
			Log:     rt.Log.With("project", p.Name()),
			Runner:  x.runner(en),
			Regroup: x.regroup(en),
		}
		en.pipeline = &pipeline.Pipeline{
			Project:    p.Name(),
			Experiment: def.Name,
			Actions:    def.Steps(sc),
		}
		x.entries = append(x.entries, en)
	}
	return x
}

// runner resolves the group id at call time; it is only known once Execute
// has opened the project's group.
func (x *Experiment) runner(en *entry) func(int) project.Runner {
	return func(cores int) project.Runner {
		return func(ctx context.Context, cmd command.Command) error {
			if x.rt.Executor == nil {
				return errors.New("no executor configured")
			}
			return x.rt.Executor.WithJobs(cores).Bind(guard.Target{
				Project:         en.project.Name(),
				Experiment:      x.def.Name,
				ExperimentGroup: x.rt.Config.Experiment,
				Group:           en.groupID(),
			})(ctx, cmd)
		}
	}
}

// regroup completes the entry's current group and begins a fresh one for the
// same project.
func (x *Experiment) regroup(en *entry) pipeline.Action {
	name := en.project.Name()
	return pipeline.Step("regroup", "Start a new run group for "+name, func(ctx context.Context) error {
		st := x.rt.Store
		if st == nil || en.group == nil {
			return errors.New("no open run group")
		}
		prev := en.group
		if err := st.EndGroup(context.WithoutCancel(ctx), prev); err != nil {
			return err
		}
		x.rt.Metrics.ObserveGroup(x.def.Name, string(store.GroupCompleted))
		g, err := st.BeginGroup(ctx, name, x.def.Name)
		if err != nil {
			en.group = nil
			return err
		}
		en.group = g
		x.rt.Log.Info("run group rotated", "project", name, "from", prev.ID, "to", g.ID)
		return nil
	})
}

// Name is the experiment name.
func (x *Experiment) Name() string { return x.def.Name }

// Projects lists the bound projects in execution order.
func (x *Experiment) Projects() []project.Project {
	out := make([]project.Project, len(x.entries))
	for i, en := range x.entries {
		out[i] = en.project
	}
	return out
}

// Len is the total number of actions across all projects.
func (x *Experiment) Len() int {
	n := 0
	for _, en := range x.entries {
		n += en.pipeline.Len()
	}
	return n
}

// Describe writes every pipeline.
func (x *Experiment) Describe(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Experiment %s: %d projects, %d actions\n", x.def.Name, len(x.entries), x.Len()); err != nil {
		return err
	}
	for _, en := range x.entries {
		if err := en.pipeline.Describe(w); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs every project's pipeline inside its own run group. A failing
// project does not stop the others; an interrupt stops everything.
func (x *Experiment) Execute(ctx context.Context) ([]Result, error) {
	st := x.rt.Store
	if st == nil {
		return nil, errors.New("no store configured")
	}
	var (
		results []Result
		errs    []error
	)
	for _, en := range x.entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", guard.ErrInterrupted, err))
			break
		}
		name := en.project.Name()
		l := x.rt.Log.With("experiment", x.def.Name, "project", name)

		g, err := st.BeginGroup(ctx, name, x.def.Name)
		if err != nil {
			err = fmt.Errorf("project %s: %w", name, err)
			results = append(results, Result{Project: name, Err: err})
			errs = append(errs, err)
			continue
		}
		en.group = g
		l.Info("project started", "group", g.ID, "actions", en.pipeline.Len())

		runErr := en.pipeline.Run(ctx)
		rec := context.WithoutCancel(ctx)
		res := Result{Project: name, Group: en.groupID()}
		switch {
		case en.group == nil:
			// A failed regroup left nothing open.
			res.Err = fmt.Errorf("project %s: %w", name, runErr)
			errs = append(errs, res.Err)
			l.Error("project failed", "err", runErr)
		case runErr != nil:
			res.Err = fmt.Errorf("project %s: %w", name, runErr)
			errs = append(errs, res.Err)
			if err := st.FailGroup(rec, en.group); err != nil {
				errs = append(errs, fmt.Errorf("project %s: %w", name, err))
			}
			x.rt.Metrics.ObserveGroup(x.def.Name, string(store.GroupFailed))
			l.Error("project failed", "group", res.Group, "err", runErr)
		default:
			if err := st.EndGroup(rec, en.group); err != nil {
				res.Err = fmt.Errorf("project %s: %w", name, err)
				errs = append(errs, res.Err)
			}
			x.rt.Metrics.ObserveGroup(x.def.Name, string(store.GroupCompleted))
			l.Info("project completed", "group", res.Group)
		}
		results = append(results, res)

		if errors.Is(runErr, guard.ErrInterrupted) || ctx.Err() != nil {
			break
		}
	}
	return results, errors.Join(errs...)
}
