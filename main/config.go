package main

import (
	"fmt"
	"os"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"benchrun/internal/config"
	"benchrun/internal/slurm"
)

const defaultConfigFile = ".benchrun.yaml"

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or persist the effective configuration",
	}

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, out)
			return nil
		},
	}

	var force bool
	save := &cobra.Command{
		Use:   "save [PATH]",
		Short: "Write the effective configuration to a file (default " + defaultConfigFile + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				if !a.confirm(fmt.Sprintf("%s exists. Overwrite?", path), false) {
					return fmt.Errorf("%s exists, use --force to overwrite", path)
				}
			}
			if err := config.Save(a.cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Configuration written to %s\n", path)
			return nil
		},
	}
	save.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	var node bool
	env := &cobra.Command{
		Use:   "env",
		Short: "Print the configuration as shell export lines",
		Long: `Prints one export line per setting, in the form a SLURM task uses to reproduce
the configuration of the submitting host. With --node the toolchain path points
at the node-local copy.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg := a.cfg
			if node {
				cfg = cfg.WithLLVMDir(slurm.Layout(cfg).LLVMTarget)
			}
			for _, v := range cfg.Env() {
				fmt.Fprintf(a.stdout, "export %s=%s\n", v.Name, shellquote.Join(v.Value))
			}
			return nil
		},
	}
	env.Flags().BoolVar(&node, "node", false, "Rebind the toolchain to the node-local directory")

	cmd.AddCommand(dump, save, env)
	return cmd
}
