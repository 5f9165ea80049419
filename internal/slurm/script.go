// Package slurm emits the array-job script that fans an experiment out over a
// cluster, one array task per project, and implements the node-local staging
// and cleanup that script performs.
package slurm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"benchrun/internal/config"
)

// ErrNoProjects is returned when asked for a script without projects; the
// resulting array range would be unschedulable.
var ErrNoProjects = errors.New("cluster job needs at least one project")

// NodeLayout is where an experiment lives on a compute node.
type NodeLayout struct {
	Prefix     string
	LLVMSource string
	LLVMTarget string
	StageLock  string
	CleanLock  string
}

// Layout derives the node-local paths for cfg's experiment.
func Layout(cfg config.Config) NodeLayout {
	prefix := filepath.Join(cfg.Slurm.NodeDir, cfg.Experiment)
	return NodeLayout{
		Prefix:     prefix,
		LLVMSource: strings.TrimRight(cfg.LLVM.Dir, "/"),
		LLVMTarget: filepath.Join(prefix, "llvm"),
		StageLock:  prefix + ".lock",
		CleanLock:  filepath.Join(cfg.Slurm.NodeDir, cfg.Experiment+".clean-in-progress.lock"),
	}
}

// Generator renders batch scripts for one configuration.
type Generator struct {
	Config config.Config
}

// DefaultScriptPath is <cwd>/<experiment>-<slurm.script>.
func DefaultScriptPath(cfg config.Config, experiment string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, experiment+"-"+cfg.Slurm.Script), nil
}

// Write renders the script to path and makes it executable. Nothing is written
// when projects is empty.
func (g Generator) Write(path, experiment string, projects []string) error {
	var buf bytes.Buffer
	if err := g.Render(&buf, experiment, projects); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		return fmt.Errorf("write slurm script %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod slurm script %s: %w", path, err)
	}
	return nil
}

// Render writes the script for experiment over projects to w.
func (g Generator) Render(w io.Writer, experiment string, projects []string) error {
	if len(projects) == 0 {
		return ErrNoProjects
	}
	if experiment == "" {
		return errors.New("experiment name cannot be empty")
	}
	cfg := g.Config
	sl := cfg.Slurm
	layout := Layout(cfg)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH -o %s\n", sl.Logs)
	fmt.Fprintf(&b, "#SBATCH -t %q\n", sl.Timelimit)
	b.WriteString("#SBATCH --ntasks 1\n")
	fmt.Fprintf(&b, "#SBATCH --cpus-per-task %d\n", sl.CPUsPerTask)
	if !sl.Multithread {
		b.WriteString("#SBATCH --hint=nomultithread\n")
	}
	if sl.Exclusive {
		b.WriteString("#SBATCH --exclusive\n")
	}
	fmt.Fprintf(&b, "#SBATCH --array=0-%d\n", len(projects)-1)

	b.WriteString("projects=(\n")
	for _, p := range projects {
		b.WriteString(shellQuote(p) + "\n")
	}
	b.WriteString(")\n")

	writeStaging(&b, layout)

	b.WriteString("\n")
	for _, v := range cfg.WithLLVMDir(layout.LLVMTarget).Env() {
		fmt.Fprintf(&b, "export %s=%s\n", v.Name, shellQuote(v.Value))
	}

	writeCleanup(&b, layout, sl)

	b.WriteString("\n")
	b.WriteString(invocation(cfg, experiment))
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func writeStaging(b *strings.Builder, l NodeLayout) {
	fmt.Fprintf(b, `
# Lock node dir preparation
mkdir -p %[5]s || exit 1
( flock -x 9 &&
  if [ ! -d %[1]s ]; then
    mkdir -p %[1]s &&
    cp -ar %[2]s %[3]s ||
    { rm -rf %[1]s; exit 1; }
  fi
) 9>%[4]s || exit 1
`, shellQuote(l.Prefix), shellQuote(l.LLVMSource), shellQuote(l.LLVMTarget), shellQuote(l.StageLock), shellQuote(filepath.Dir(l.StageLock)))
}

func writeCleanup(b *strings.Builder, l NodeLayout, sl config.SlurmConfig) {
	fmt.Fprintf(b, `
# Cleanup the cluster node, after the array has finished.
file=$(mktemp -q) && {
  ( cat <<'EOF'
#!/bin/sh
( flock -x 9 && {
  [ -d %[1]s ] && \
    rm -r %[1]s
}
) 9>%[2]s
EOF
  ) > "$file"
  sbatch -A %[3]s -p %[4]s --dependency=afterany:$SLURM_ARRAY_JOB_ID --nodelist=$SLURM_JOB_NODELIST -n 1 -c 1 "$file"
  rm -r "$file"
}
`, shellQuote(l.Prefix), shellQuote(l.CleanLock), shellQuote(sl.Account), shellQuote(sl.Partition))
}

func invocation(cfg config.Config, experiment string) string {
	parts := []string{"srun"}
	if !cfg.Slurm.Multithread {
		parts = append(parts, "--hint=nomultithread")
	}
	bin := cfg.Slurm.Binary
	if bin == "" {
		bin = "benchrun"
	}
	parts = append(parts, shellQuote(bin), "-v", "run",
		"-P", `"${projects[$SLURM_ARRAY_TASK_ID]}"`,
		"-E", shellQuote(experiment))
	return strings.Join(parts, " ")
}

// shellQuote quotes s as one shell word.
func shellQuote(s string) string {
	return shellquote.Join(s)
}
