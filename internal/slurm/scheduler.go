package slurm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"benchrun/internal/command"
)

// Runner starts processes; command.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd command.Command) (command.Result, error)
}

// Scheduler talks to sbatch, squeue and sacct, locally or on Remote over ssh.
type Scheduler struct {
	Remote string // user@host; empty runs locally
	Runner Runner
}

func (s Scheduler) command(name string, args ...string) command.Command {
	if s.Remote == "" {
		return command.New(name, args...)
	}
	return command.New("ssh", append([]string{s.Remote, name}, args...)...)
}

func (s Scheduler) run(ctx context.Context, name string, args ...string) (string, error) {
	r := s.Runner
	if r == nil {
		r = command.Runner{}
	}
	res, err := r.Run(ctx, s.command(name, args...))
	out := res.Stdout + res.Stderr
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Submit hands script to sbatch and returns the job id.
func (s Scheduler) Submit(ctx context.Context, script string) (jobID string, output string, err error) {
	output, err = s.run(ctx, "sbatch", script)
	if err != nil {
		return "", output, err
	}
	// Typical sbatch output: "Submitted batch job 2723147"
	parts := strings.Fields(output)
	if len(parts) == 0 {
		return "", output, fmt.Errorf("unable to parse sbatch output: %q", output)
	}
	return parts[len(parts)-1], output, nil
}

// State returns the job's state from squeue or, once the job left the queue,
// from sacct. UNKNOWN is returned when neither knows the job.
func (s Scheduler) State(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "UNKNOWN", nil
	}
	// squeue exits non-zero for jobs already purged from the controller.
	out, queueErr := s.run(ctx, "squeue", "-h", "-j", jobID, "-o", "%T")
	if text := strings.TrimSpace(out); queueErr == nil && text != "" {
		return strings.TrimSpace(strings.Split(text, "\n")[0]), nil
	}
	out, err := s.run(ctx, "sacct", "-n", "-X", "-j", jobID, "-o", "State")
	if err != nil {
		if queueErr != nil {
			return "", errors.Join(queueErr, err)
		}
		// sacct is optional
		return "UNKNOWN", nil
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return strings.Trim(fields[0], "+"), nil
	}
	return "UNKNOWN", nil
}

// IsActive reports whether state means the job has not finished.
func IsActive(state string) bool {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "SUSPENDED", "RESV_DEL_HOLD", "SPECIAL_EXIT":
		return true
	default:
		return false
	}
}

// Wait polls the job every interval until it is no longer active and returns
// its final state. onState sees every observed state.
func (s Scheduler) Wait(ctx context.Context, jobID string, interval time.Duration, onState func(string)) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		state, err := s.State(ctx, jobID)
		if err != nil {
			return "", err
		}
		if onState != nil {
			onState(state)
		}
		if !IsActive(state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}
