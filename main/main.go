package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"benchrun/internal/config"
	"benchrun/internal/experiment"
	"benchrun/internal/logger"
	"benchrun/internal/store"
)

// app holds what every subcommand shares. It is filled in by the root
// command's pre-run hook.
type app struct {
	configPath string
	logLevel   string
	logFile    string
	verbose    bool

	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	terminal func() bool

	cfg      config.Config
	log      *log.Logger
	closeLog func() error
	registry *experiment.Registry
}

func newApp() *app {
	return &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		terminal: func() bool {
			fd := os.Stdin.Fd()
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
		registry: experiment.Default(),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(newApp()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "benchrun: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "benchrun",
		Short: "Reproducible compiler benchmarking",
		Long: `benchrun builds and runs benchmark projects under named experiments, records
every measured command in a results database and generates SLURM array jobs
that repeat the same work on a cluster.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Configuration file (default: $BB_CONFIG, ./.benchrun.yaml, ~/.benchrun/config.yaml)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level (debug|info|warn|error) [default: from config]")
	pf.StringVar(&a.logFile, "log-file", "", "Write logs to file instead of stderr")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Shorthand for --log-level debug")

	root.AddCommand(
		newRunCmd(a),
		newSlurmCmd(a),
		newLogCmd(a),
		newAuditCmd(a),
		newConfigCmd(a),
		newExperimentsCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.verbose {
		level = "debug"
	}
	file := cfg.Log.File
	if a.logFile != "" {
		file = a.logFile
	}
	l, closeFn, err := logger.New(logger.Options{Level: level, File: file, Output: a.stderr})
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	a.log = l
	a.closeLog = closeFn
	return nil
}

// openStore connects to the configured results database.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	driver := a.cfg.DB.Driver
	dsn := a.cfg.DB.DSN
	if (driver == "" || driver == store.DriverSQLite) && dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		path, err := config.ExpandPath(dsn)
		if err != nil {
			return nil, fmt.Errorf("db.dsn: %w", err)
		}
		dsn = store.SQLiteDSN(path)
	}
	st, err := store.Open(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open results database: %w", err)
	}
	a.log.Debug("results database open", "driver", st.Driver())
	return st, nil
}

// confirm asks a yes/no question on the terminal. Without a terminal the
// answer is yes.
func (a *app) confirm(question string, def bool) bool {
	if !a.terminal() {
		return true
	}
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	fmt.Fprintf(a.stdout, "%s %s ", question, hint)
	var answer string
	if _, err := fmt.Fscanln(a.stdin, &answer); err != nil {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

var errUsage = errors.New("invalid usage")
