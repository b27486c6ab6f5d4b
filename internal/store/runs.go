package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(ctx context.Context, team, task, model string) (*Run, error) {
	r := &Run{Team: team, Task: task, Model: model, Status: RunRunning}
	err := s.db.QueryRow(ctx, `
		INSERT INTO agent_runs (team_name, task, model, status)
		VALUES ($1, $2, $3, 'running')
		RETURNING id, started_at`,
		team, task, model,
	).Scan(&r.ID, &r.StartedAt)
	if err != nil {
		return nil, persistErr("create run", err)
	}
	return r, nil
}

// AppendMessage adds one entry to a run's log.
func (s *Store) AppendMessage(ctx context.Context, runID, source, role, content string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_messages (run_id, source, role, content)
		VALUES ($1, $2, $3, $4)`,
		runID, source, role, content,
	)
	if err != nil {
		return persistErr("append message", err)
	}
	return nil
}

// FinishRun sets the terminal status of a running run exactly once.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %s: %q is not terminal", runID, status)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_runs SET status = $2, ended_at = now()
		WHERE id = $1 AND status = 'running'`,
		runID, string(status),
	)
	if err != nil {
		return persistErr("finish run", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return fmt.Errorf("finish run %s: %w", runID, ErrRunFinished)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id, team_name, task, model, status, started_at, ended_at
		FROM agent_runs WHERE id = $1`, runID,
	).Scan(&r.ID, &r.Team, &r.Task, &r.Model, &status, &r.StartedAt, &r.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get run", err)
	}
	r.Status = RunStatus(status)
	return &r, nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, team_name, task, model, status, started_at, ended_at
		FROM agent_runs
		WHERE ($1 = '' OR team_name = $1)
		ORDER BY started_at DESC
		LIMIT $2`, f.Team, f.Limit)
	if err != nil {
		return nil, persistErr("list runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		if err := rows.Scan(&r.ID, &r.Team, &r.Task, &r.Model, &status, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, persistErr("scan run", err)
		}
		r.Status = RunStatus(status)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list runs", err)
	}
	return runs, nil
}

// ListMessages returns a run's log in append order.
func (s *Store) ListMessages(ctx context.Context, runID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, source, role, content, tool_name, created_at
		FROM agent_messages
		WHERE run_id = $1
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RunID, &m.Source, &m.Role, &m.Content, &m.ToolName, &m.CreatedAt); err != nil {
			return nil, persistErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list messages", err)
	}
	return msgs, nil
}

// TeamStats aggregates run counts and durations for team.
func (s *Store) TeamStats(ctx context.Context, team string) (*TeamStats, error) {
	st := &TeamStats{Team: team}
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'running'),
			count(*) FILTER (WHERE status IN ('error', 'timeout', 'cancelled')),
			coalesce(avg(extract(epoch FROM ended_at - started_at)) FILTER (WHERE status = 'completed'), 0)
		FROM agent_runs WHERE team_name = $1`, team,
	).Scan(&st.TotalRuns, &st.CompletedRuns, &st.RunningRuns, &st.FailedRuns, &st.AvgDurationSeconds)
	if err != nil {
		return nil, persistErr("team stats", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT count(*) FROM agent_messages m
		JOIN agent_runs r ON r.id = m.run_id
		WHERE r.team_name = $1`, team,
	).Scan(&st.TotalMessages)
	if err != nil {
		return nil, persistErr("team message count", err)
	}
	return st, nil
}
