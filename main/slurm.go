package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"benchrun/internal/experiment"
	"benchrun/internal/project"
	"benchrun/internal/slurm"
)

const defaultPollInterval = 30 * time.Second

type slurmOptions struct {
	experiments []string
	projects    []string
	group       string
	output      string
	submit      bool
	wait        bool
	remote      string
	interval    time.Duration
}

func newSlurmCmd(a *app) *cobra.Command {
	var opts slurmOptions
	cmd := &cobra.Command{
		Use:   "slurm -E EXPERIMENT [-P PROJECT]...",
		Short: "Generate a SLURM array job that runs one project per array task",
		Long: `Writes <cwd>/<experiment>-<slurm.script> for every experiment. Each array task
stages the toolchain on its node once, runs "benchrun run" for its project and
schedules a cleanup job that removes the node-local copy after the array ends.`,
		Example: `  benchrun slurm -E raw
  benchrun slurm -E polly -G compression --submit --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.slurm(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&opts.experiments, "experiment", "E", nil, "Experiments to generate scripts for (repeatable)")
	f.StringSliceVarP(&opts.projects, "project", "P", nil, "Projects to include (repeatable, default: all)")
	f.StringVarP(&opts.group, "group", "G", "", "Only include projects of this group")
	f.StringVarP(&opts.output, "output", "o", "", "Script path (only with a single experiment)")
	f.BoolVar(&opts.submit, "submit", false, "Submit the script with sbatch")
	f.BoolVar(&opts.wait, "wait", false, "After --submit, poll until the job leaves the queue")
	f.StringVar(&opts.remote, "remote", "", "Run sbatch/squeue on user@host over ssh")
	f.DurationVar(&opts.interval, "poll-interval", defaultPollInterval, "How often --wait polls the job state")

	cmd.AddCommand(newStageCmd(a), newCleanupCmd(a), newStatusCmd(a))
	return cmd
}

func (a *app) slurm(ctx context.Context, opts slurmOptions) error {
	if len(opts.experiments) == 0 {
		return fmt.Errorf("%w: at least one --experiment is required", errUsage)
	}
	if opts.output != "" && len(opts.experiments) > 1 {
		return fmt.Errorf("%w: --output needs exactly one experiment", errUsage)
	}
	if opts.wait && !opts.submit {
		return fmt.Errorf("%w: --wait needs --submit", errUsage)
	}
	if opts.wait && opts.interval <= 0 {
		return fmt.Errorf("%w: --poll-interval must be positive", errUsage)
	}
	gen := slurm.Generator{Config: a.cfg}
	sched := slurm.Scheduler{Remote: opts.remote, Runner: commandRunner(nil, a.stderr)}
	sel := experiment.Selection{Projects: opts.projects, Group: opts.group}

	for _, name := range opts.experiments {
		x, err := a.registry.Instantiate(name, sel, experiment.Runtime{Config: a.cfg, Log: a.log})
		if err != nil {
			return err
		}
		path := opts.output
		if path == "" {
			if path, err = slurm.DefaultScriptPath(a.cfg, name); err != nil {
				return err
			}
		}
		if err := gen.Write(path, name, project.Names(x.Projects())); err != nil {
			return fmt.Errorf("experiment %s: %w", name, err)
		}
		fmt.Fprintf(a.stdout, "SLURM script written to %s\n", path)

		if !opts.submit {
			continue
		}
		jobID, _, err := sched.Submit(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Submitted job %s\n", jobID)
		if opts.wait {
			state, err := sched.Wait(ctx, jobID, opts.interval, func(s string) {
				fmt.Fprintf(a.stdout, "[%s] %s -> %s\n", time.Now().Format(time.RFC3339), jobID, s)
			})
			if err != nil {
				return err
			}
			a.log.Info("job finished", "job", jobID, "state", state)
		}
	}
	return nil
}

func newStageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stage",
		Short: "Copy the toolchain to the node-local directory unless another task already did",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout := slurm.Layout(a.cfg)
			copied, err := slurm.Stage(cmd.Context(), layout, nil)
			if err != nil {
				return err
			}
			if copied {
				fmt.Fprintf(a.stdout, "Staged %s to %s\n", layout.LLVMSource, layout.LLVMTarget)
			} else {
				fmt.Fprintf(a.stdout, "%s already staged\n", layout.Prefix)
			}
			fmt.Fprintf(a.stdout, "export BB_LLVM_DIR=%s\n", layout.LLVMTarget)
			return nil
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the node-local experiment directory",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			layout := slurm.Layout(a.cfg)
			removed, err := slurm.Cleanup(layout)
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintf(a.stdout, "Removed %s\n", layout.Prefix)
			} else {
				fmt.Fprintf(a.stdout, "Nothing to remove at %s\n", layout.Prefix)
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		remote   string
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the scheduler state of a submitted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched := slurm.Scheduler{Remote: remote, Runner: commandRunner(nil, a.stderr)}
			jobID := args[0]
			if !watch {
				state, err := sched.State(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s %s\n", jobID, state)
				return nil
			}
			if interval <= 0 {
				return fmt.Errorf("%w: --poll-interval must be positive", errUsage)
			}
			_, err := sched.Wait(cmd.Context(), jobID, interval, func(s string) {
				fmt.Fprintf(a.stdout, "[%s] %s -> %s\n", time.Now().Format(time.RFC3339), jobID, s)
			})
			return err
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Query squeue/sacct on user@host over ssh")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the job leaves the queue")
	cmd.Flags().DurationVar(&interval, "poll-interval", defaultPollInterval, "How often --watch polls")
	return cmd
}
