package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GroupStatus is the lifecycle state of a run group.
type GroupStatus string

const (
	GroupRunning   GroupStatus = "running"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
)

// Group is one benchmarking session of a project.
type Group struct {
	ID         string
	Project    string
	Experiment string
	Begin      time.Time
	End        time.Time
	Status     GroupStatus
}

// BeginGroup records a new running group for project and commits immediately.
func (s *Store) BeginGroup(ctx context.Context, project, experiment string) (*Group, error) {
	g := &Group{
		ID:         uuid.NewString(),
		Project:    project,
		Experiment: experiment,
		Begin:      s.stamp(),
		Status:     GroupRunning,
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO run_group (id, project, experiment, begin_at, status) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Project, g.Experiment, formatTime(g.Begin), string(g.Status))
	if err != nil {
		return nil, fmt.Errorf("insert run group: %w", err)
	}
	return g, nil
}

// EndGroup marks g completed.
func (s *Store) EndGroup(ctx context.Context, g *Group) error {
	return s.finishGroup(ctx, g, GroupCompleted)
}

// FailGroup marks g failed.
func (s *Store) FailGroup(ctx context.Context, g *Group) error {
	return s.finishGroup(ctx, g, GroupFailed)
}

func (s *Store) finishGroup(ctx context.Context, g *Group, status GroupStatus) error {
	if g == nil {
		return errors.New("store: nil run group")
	}
	end := notBefore(s.stamp(), g.Begin)
	res, err := s.exec(ctx, s.db,
		`UPDATE run_group SET end_at = ?, status = ? WHERE id = ? AND status = ?`,
		formatTime(end), string(status), g.ID, string(GroupRunning))
	if err != nil {
		return fmt.Errorf("update run group %s: %w", g.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run group %s: %w", g.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrGroupFinished, g.ID)
	}
	g.End = end
	g.Status = status
	return nil
}

// GetGroup loads a run group by id.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, project, experiment, begin_at, end_at, status FROM run_group WHERE id = ?`), id)
	var (
		g          Group
		begin, end sql.NullString
		status     string
	)
	if err := row.Scan(&g.ID, &g.Project, &g.Experiment, &begin, &end, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run group %s", ErrNotFound, id)
		}
		return nil, err
	}
	g.Begin = parseTime(begin)
	g.End = parseTime(end)
	g.Status = GroupStatus(status)
	return &g, nil
}
