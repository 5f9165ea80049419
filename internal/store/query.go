package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run is a persisted guarded execution.
type Run struct {
	ID              string
	Command         string
	Project         string
	Experiment      string
	ExperimentGroup string
	Group           string
	Begin           time.Time
	End             time.Time
	Status          RunStatus
}

// RunLog is the 1:1 companion of a Run.
type RunLog struct {
	RunID  string
	Stdout string
	Stderr string
	Status sql.NullInt64
	Begin  time.Time
	End    time.Time
	Config string
}

// Filter narrows ListRuns. Empty fields match everything.
type Filter struct {
	Experiments      []string
	ExperimentGroups []string
	Projects         []string
	Groups           []string
	Status           RunStatus
	FailedOnly       bool // run logs with a non-zero status
	Limit            int
}

const runColumns = `r.id, r.command, r.project_name, r.experiment_name, r.experiment_group, r.run_group, r.begin_at, r.end_at, r.status`

// ListRuns returns runs matching f, newest first.
func (s *Store) ListRuns(ctx context.Context, f Filter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	in := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		where = append(where, fmt.Sprintf("%s IN (%s)", col, marks))
		for _, v := range vals {
			args = append(args, v)
		}
	}
	in("r.experiment_name", f.Experiments)
	in("r.experiment_group", f.ExperimentGroups)
	in("r.project_name", f.Projects)
	in("r.run_group", f.Groups)
	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + runColumns + ` FROM run r`
	if f.FailedOnly {
		query += ` JOIN run_log l ON l.run_id = r.id`
		where = append(where, "l.status IS NOT NULL AND l.status <> 0")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.begin_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM run r WHERE r.id = ?`), id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &r, nil
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r          Run
		begin, end sql.NullString
		status     string
	)
	if err := row.Scan(&r.ID, &r.Command, &r.Project, &r.Experiment, &r.ExperimentGroup,
		&r.Group, &begin, &end, &status); err != nil {
		return Run{}, err
	}
	r.Begin = parseTime(begin)
	r.End = parseTime(end)
	r.Status = RunStatus(status)
	return r, nil
}

// Orphans returns runs that never left the running state. They belong to
// processes that crashed or were killed above the guarded boundary.
func (s *Store) Orphans(ctx context.Context) ([]Run, error) {
	return s.ListRuns(ctx, Filter{Status: RunRunning})
}

// GetRunLog loads the log of a run.
func (s *Store) GetRunLog(ctx context.Context, runID string) (*RunLog, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT run_id, stdout, stderr, status, begin_at, end_at, config FROM run_log WHERE run_id = ?`), runID)
	var (
		l          RunLog
		begin, end sql.NullString
	)
	if err := row.Scan(&l.RunID, &l.Stdout, &l.Stderr, &l.Status, &begin, &end, &l.Config); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run log %s", ErrNotFound, runID)
		}
		return nil, err
	}
	l.Begin = parseTime(begin)
	l.End = parseTime(end)
	return &l, nil
}

// Timings returns the samples of a run in recorded order.
func (s *Store) Timings(ctx context.Context, runID string) ([]Timing, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT user_s, system_s, real_s FROM timing WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("query timings: %w", err)
	}
	defer rows.Close()
	var out []Timing
	for rows.Next() {
		var t Timing
		if err := rows.Scan(&t.User, &t.System, &t.Real); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RunConfig returns the per-run facts recorded alongside the timings.
func (s *Store) RunConfig(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT name, value FROM run_config WHERE run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("query run config: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}
