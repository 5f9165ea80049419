package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"benchrun/internal/store"
)

type logOptions struct {
	experiments []string
	ids         []string
	projects    []string
	groups      []string
	failed      bool
	stream      string
	limit       int
}

func newLogCmd(a *app) *cobra.Command {
	var opts logOptions
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recorded runs, newest first",
		Example: `  benchrun log -E raw -P gzip
  benchrun log --failed -t stderr
  benchrun log show 1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.showLog(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&opts.experiments, "experiment", "E", nil, "Only runs of these experiments")
	f.StringSliceVarP(&opts.ids, "experiment-id", "e", nil, "Only runs of these experiment ids")
	f.StringSliceVarP(&opts.projects, "project", "P", nil, "Only runs of these projects")
	f.StringSliceVarP(&opts.groups, "group", "G", nil, "Only runs of these run groups")
	f.BoolVar(&opts.failed, "failed", false, "Only runs that exited non-zero")
	f.StringVarP(&opts.stream, "type", "t", "", "Print a captured stream per run (stdout|stderr)")
	f.IntVarP(&opts.limit, "limit", "n", 50, "Maximum number of runs (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run with its log, timings and configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showRun(cmd.Context(), args[0])
		},
	})
	return cmd
}

func (a *app) showLog(ctx context.Context, opts logOptions) error {
	switch opts.stream {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("%w: --type must be stdout or stderr", errUsage)
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, store.Filter{
		Experiments:      opts.experiments,
		ExperimentGroups: opts.ids,
		Projects:         opts.projects,
		Groups:           opts.groups,
		FailedOnly:       opts.failed,
		Limit:            opts.limit,
	})
	if err != nil {
		return err
	}

	if opts.stream == "" {
		printRuns(a.stdout, runs, time.Now())
		return nil
	}
	for _, r := range runs {
		rl, err := st.GetRunLog(ctx, r.ID)
		if err != nil {
			return err
		}
		text := rl.Stdout
		if opts.stream == "stderr" {
			text = rl.Stderr
		}
		fmt.Fprintf(a.stdout, "==> %s %s/%s: %s\n", r.ID, r.Experiment, r.Project, r.Command)
		fmt.Fprint(a.stdout, text)
		if text != "" && !strings.HasSuffix(text, "\n") {
			fmt.Fprintln(a.stdout)
		}
	}
	return nil
}

func printRuns(w io.Writer, runs []store.Run, now time.Time) {
	fmt.Fprintf(w, "%-36s %-12s %-16s %-10s %-16s %-10s %s\n", "ID", "EXPERIMENT", "PROJECT", "STATUS", "BEGIN", "DURATION", "COMMAND")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s %-12s %-16s %-10s %-16s %-10s %s\n",
			r.ID, r.Experiment, r.Project, r.Status,
			humanize.RelTime(r.Begin, now, "ago", "from now"),
			duration(r.Begin, r.End), r.Command)
	}
}

func duration(begin, end time.Time) string {
	if end.IsZero() {
		return "-"
	}
	return end.Sub(begin).Round(time.Millisecond).String()
}

func (a *app) showRun(ctx context.Context, id string) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no run with id %s", id)
		}
		return err
	}
	rl, err := st.GetRunLog(ctx, id)
	if err != nil {
		return err
	}
	timings, err := st.Timings(ctx, id)
	if err != nil {
		return err
	}
	facts, err := st.RunConfig(ctx, id)
	if err != nil {
		return err
	}

	w := a.stdout
	fmt.Fprintf(w, "Run %s\n", id)
	fmt.Fprintln(w, "-------------")
	fmt.Fprintf(w, "Experiment:  %s (%s)\n", run.Experiment, run.ExperimentGroup)
	fmt.Fprintf(w, "Project:     %s\n", run.Project)
	fmt.Fprintf(w, "Group:       %s\n", run.Group)
	fmt.Fprintf(w, "Command:     %s\n", run.Command)
	fmt.Fprintf(w, "Status:      %s\n", run.Status)
	if rl.Status.Valid {
		fmt.Fprintf(w, "Exit code:   %d\n", rl.Status.Int64)
	} else {
		fmt.Fprintf(w, "Exit code:   (still running)\n")
	}
	fmt.Fprintf(w, "Began:       %s\n", rl.Begin.Format(time.RFC3339))
	if !rl.End.IsZero() {
		fmt.Fprintf(w, "Ended:       %s (%s)\n", rl.End.Format(time.RFC3339), duration(rl.Begin, rl.End))
	}
	if len(timings) > 0 {
		fmt.Fprintln(w, "Timings (user/system/real s):")
		for i, t := range timings {
			fmt.Fprintf(w, "  %2d. %s / %s / %s\n", i+1,
				humanize.FtoaWithDigits(t.User, 3), humanize.FtoaWithDigits(t.System, 3), humanize.FtoaWithDigits(t.Real, 3))
		}
	}
	if len(facts) > 0 {
		names := make([]string, 0, len(facts))
		for n := range facts {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "Run config:")
		for _, n := range names {
			fmt.Fprintf(w, "  %s = %s\n", n, facts[n])
		}
	}
	if rl.Config != "" {
		fmt.Fprintln(w, "Config snapshot:")
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(rl.Config), "  ", "  "); err == nil {
			fmt.Fprintln(w, "  "+pretty.String())
		} else {
			fmt.Fprintln(w, rl.Config)
		}
	}
	if rl.Stderr != "" {
		fmt.Fprintf(w, "Stderr (%s):\n%s\n", humanize.Bytes(uint64(len(rl.Stderr))), strings.TrimRight(rl.Stderr, "\n"))
	}
	return nil
}

func newAuditCmd(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List runs that never reached a terminal state",
		Long: `A run stays "running" when its process died above the guarded boundary, for
example when a cluster node was lost. Such runs carry no results.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			orphans, err := st.Orphans(ctx)
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Fprintln(a.stdout, "No orphaned runs.")
				return nil
			}
			printRuns(a.stdout, orphans, time.Now())
			fmt.Fprintf(a.stdout, "\n%s orphaned %s\n", humanize.Comma(int64(len(orphans))), plural(len(orphans), "run", "runs"))
			if strict {
				return fmt.Errorf("%d orphaned runs", len(orphans))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when orphaned runs exist")
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
