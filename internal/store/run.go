package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a single guarded execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// NewRun describes a run about to start.
type NewRun struct {
	Command         string
	Project         string
	Experiment      string
	ExperimentGroup string // id shared by every task of one experiment invocation
	Group           string // run group id
	Config          string // configuration snapshot (JSON)
}

// Timing is one persisted user/system/real sample.
type Timing struct {
	User   float64
	System float64
	Real   float64
}

// Completion is everything written when a run finishes successfully.
type Completion struct {
	Stdout  string
	Stderr  string
	Timings []Timing
	Config  map[string]string // per-run facts, written only with timings
}

// RunHandle owns the rows of one run until it reaches a terminal state.
type RunHandle struct {
	ID    string
	Begin time.Time

	s         *Store
	mu        sync.Mutex
	finalized bool
}

// BeginRun inserts the run and its log in the running state and commits before
// the command is started, so an interrupted process still leaves an auditable row.
func (s *Store) BeginRun(ctx context.Context, r NewRun) (*RunHandle, error) {
	h := &RunHandle{ID: uuid.NewString(), Begin: s.stamp(), s: s}
	begin := formatTime(h.Begin)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx,
		`INSERT INTO run (id, command, project_name, experiment_name, experiment_group, run_group, begin_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, r.Command, r.Project, r.Experiment, r.ExperimentGroup, r.Group, begin, string(RunRunning)); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if _, err := s.exec(ctx, tx,
		`INSERT INTO run_log (run_id, begin_at, config) VALUES (?, ?, ?)`,
		h.ID, begin, r.Config); err != nil {
		return nil, fmt.Errorf("insert run log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run: %w", err)
	}
	return h, nil
}

// Finalized reports whether the run reached a terminal state.
func (h *RunHandle) Finalized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finalized
}

// Complete records a successful run in a single transaction. The rows are
// written without regard to ctx, but if ctx is cancelled before the commit the
// transaction is rolled back and ctx.Err() is returned; the run stays open so
// the caller can record the interruption with Fail.
func (h *RunHandle) Complete(ctx context.Context, c Completion) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalized {
		return fmt.Errorf("%w: %s", ErrFinalized, h.ID)
	}
	s := h.s
	dbctx := context.WithoutCancel(ctx)
	end := formatTime(notBefore(s.stamp(), h.Begin))

	tx, err := s.db.BeginTx(dbctx, nil)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(dbctx, tx,
		`UPDATE run_log SET stdout = ?, stderr = ?, status = ?, end_at = ? WHERE run_id = ?`,
		c.Stdout, c.Stderr, 0, end, h.ID); err != nil {
		return fmt.Errorf("update run log: %w", err)
	}
	if _, err := s.exec(dbctx, tx,
		`UPDATE run SET end_at = ?, status = ? WHERE id = ?`,
		end, string(RunCompleted), h.ID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if len(c.Timings) > 0 {
		for i, t := range c.Timings {
			if _, err := s.exec(dbctx, tx,
				`INSERT INTO timing (run_id, seq, user_s, system_s, real_s) VALUES (?, ?, ?, ?, ?)`,
				h.ID, i, t.User, t.System, t.Real); err != nil {
				return fmt.Errorf("insert timing: %w", err)
			}
		}
		for name, value := range c.Config {
			if _, err := s.exec(dbctx, tx,
				`INSERT INTO run_config (run_id, name, value) VALUES (?, ?, ?)`,
				h.ID, name, value); err != nil {
				return fmt.Errorf("insert run config: %w", err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	h.finalized = true
	return nil
}

// Fail records an unsuccessful run with the given exit code and streams.
func (h *RunHandle) Fail(ctx context.Context, code int, stdout, stderr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalized {
		return fmt.Errorf("%w: %s", ErrFinalized, h.ID)
	}
	s := h.s
	end := formatTime(notBefore(s.stamp(), h.Begin))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx,
		`UPDATE run_log SET stdout = ?, stderr = ?, status = ?, end_at = ? WHERE run_id = ?`,
		stdout, stderr, code, end, h.ID); err != nil {
		return fmt.Errorf("update run log: %w", err)
	}
	if _, err := s.exec(ctx, tx,
		`UPDATE run SET end_at = ?, status = ? WHERE id = ?`,
		end, string(RunFailed), h.ID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	h.finalized = true
	return nil
}
