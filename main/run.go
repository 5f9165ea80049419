package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"benchrun/internal/command"
	"benchrun/internal/config"
	"benchrun/internal/experiment"
	"benchrun/internal/guard"
	"benchrun/internal/metrics"
)

type runOptions struct {
	experiments     []string
	projects        []string
	group           string
	description     string
	listProjects    bool
	listExperiments bool
	pretend         bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run -E EXPERIMENT [-P PROJECT]...",
		Short: "Run experiments on the selected projects",
		Example: `  benchrun run -E raw
  benchrun run -E raw -E polly -G compression
  benchrun run -E raw -P gzip --pretend
  benchrun run -L`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&opts.experiments, "experiment", "E", nil, "Experiments to run (repeatable)")
	f.StringSliceVarP(&opts.projects, "project", "P", nil, "Projects to run (repeatable, default: all)")
	f.StringVarP(&opts.group, "group", "G", "", "Only run projects of this group")
	f.StringVarP(&opts.description, "description", "D", "", "Description recorded with this experiment run")
	f.BoolVarP(&opts.listProjects, "list", "l", false, "List the projects each experiment would run")
	f.BoolVarP(&opts.listExperiments, "list-experiments", "L", false, "List available experiments")
	f.BoolVarP(&opts.pretend, "pretend", "p", false, "Print the actions without executing them")
	return cmd
}

func (a *app) run(ctx context.Context, opts runOptions) error {
	if opts.listExperiments {
		return printExperiments(a.stdout, a.registry)
	}
	if len(opts.experiments) == 0 {
		return fmt.Errorf("%w: at least one --experiment is required", errUsage)
	}
	cfg := a.cfg
	if opts.description != "" {
		cfg = cfg.WithDescription(opts.description)
	}
	sel := experiment.Selection{Projects: opts.projects, Group: opts.group}

	if opts.listProjects {
		for _, name := range opts.experiments {
			x, err := a.registry.Instantiate(name, sel, experiment.Runtime{Config: cfg, Log: a.log})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Experiment %s\n", name)
			printProjects(a.stdout, x)
		}
		return nil
	}

	if !opts.pretend {
		if err := a.ensureBuildDir(cfg.BuildDir); err != nil {
			return err
		}
	}

	rt := experiment.Runtime{Config: cfg, Log: a.log, Stdout: a.stdout, Stderr: a.stderr}
	if !opts.pretend {
		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		rec := metrics.New()
		rt.Store = st
		rt.Metrics = rec
		rt.Executor = guard.New(st, cfg, a.log, guard.WithMetrics(rec),
			guard.WithRunner(commandRunner(a.stdout, a.stderr)))
		defer func() {
			if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
				a.log.Warn("metrics export failed", "err", err)
			}
		}()
	}

	var exps []*experiment.Experiment
	total := 0
	for _, name := range opts.experiments {
		x, err := a.registry.Instantiate(name, sel, rt)
		if err != nil {
			return err
		}
		exps = append(exps, x)
		total += x.Len()
	}

	fmt.Fprintf(a.stdout, "Number of actions to execute: %d\n", total)
	for _, x := range exps {
		if err := x.Describe(a.stdout); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.stdout)
	if opts.pretend {
		return nil
	}

	a.log.Info("experiment run started", "id", cfg.Experiment, "experiments", strings.Join(opts.experiments, ","))
	var errs []error
	for _, x := range exps {
		results, err := x.Execute(ctx)
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		a.log.Info("experiment finished", "experiment", x.Name(), "projects", len(results), "failed", failed)
		if err != nil {
			errs = append(errs, fmt.Errorf("experiment %s: %w", x.Name(), err))
			if errors.Is(err, guard.ErrInterrupted) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (a *app) ensureBuildDir(dir string) error {
	abs, err := config.ExpandPath(dir)
	if err != nil {
		return fmt.Errorf("build_dir: %w", err)
	}
	if _, err := os.Stat(abs); err == nil {
		return nil
	}
	if !a.confirm(fmt.Sprintf("The build directory %s does not exist yet. Should I create it?", abs), false) {
		return fmt.Errorf("build directory %s does not exist", abs)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}
	fmt.Fprintf(a.stdout, "Created directory %s.\n", abs)
	return nil
}

func newExperimentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "experiments",
		Short: "List available experiments",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return printExperiments(a.stdout, a.registry)
		},
	}
}

func printExperiments(w io.Writer, r *experiment.Registry) error {
	for _, name := range r.Names() {
		def, err := r.Lookup(name)
		if err != nil {
			return err
		}
		desc := def.Description
		if desc == "" {
			desc = "-- no description --"
		}
		fmt.Fprintf(w, "%s\n    %s\n", name, desc)
	}
	return nil
}

// printProjects lists projects by group, names wrapped at 80 columns.
func printProjects(w io.Writer, x *experiment.Experiment) {
	byGroup := map[string][]string{}
	for _, p := range x.Projects() {
		byGroup[p.Group()] = append(byGroup[p.Group()], p.Name())
	}
	groups := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		fmt.Fprintf(w, ">> %s\n", g)
		names := byGroup[g]
		sort.Strings(names)
		line := ""
		for _, n := range names {
			switch {
			case line == "":
				line = n
			case len(line)+2+len(n) > 80:
				fmt.Fprintf(w, "%s,\n", line)
				line = n
			default:
				line += ", " + n
			}
		}
		fmt.Fprintf(w, "%s\n\n", line)
	}
}

func commandRunner(stdout, stderr io.Writer) command.Runner {
	return command.Runner{Stdout: stdout, Stderr: stderr}
}
