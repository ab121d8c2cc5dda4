package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loom/pkg/protocol"
)

const taskColumns = `id, description, status, priority, complexity, model,
	capabilities, depends_on, workspace, generation, retry_count, max_retries,
	agent_id, result, last_error, decision, submitted_at, updated_at`

// getTask loads a single task row. It takes no lock: mutating callers
// already hold s.mu, and reads of a single row are consistent on their own.
func (s *Store) getTask(ctx context.Context, id string) (*protocol.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.TaskNotFoundError{TaskID: id}
	}
	return t, err
}

// List returns all tasks in submission order.
func (s *Store) List(ctx context.Context) ([]*protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// Schedulable returns queued tasks whose dependencies have all completed,
// ordered by (priority lane, submission time). Tasks gated behind an
// unfinished dependency are skipped; tasks gated behind a failed or
// dead-lettered dependency are excluded here and surfaced by Blocked.
func (s *Store) Schedulable(ctx context.Context) ([]*protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status=?
		 ORDER BY priority, submitted_at, id`, protocol.TaskQueued)
	if err != nil {
		return nil, fmt.Errorf("query queued tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	queued, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}

	statuses, err := s.statusIndex(ctx)
	if err != nil {
		return nil, err
	}

	var out []*protocol.Task
	for _, t := range queued {
		if depsSatisfied(t, statuses) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Blocked returns queued tasks that can never become schedulable because a
// dependency reached failed or dead_letter. These must be surfaced, not
// silently starved.
func (s *Store) Blocked(ctx context.Context) ([]*protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status=?
		 ORDER BY priority, submitted_at, id`, protocol.TaskQueued)
	if err != nil {
		return nil, fmt.Errorf("query queued tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	queued, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}

	statuses, err := s.statusIndex(ctx)
	if err != nil {
		return nil, err
	}

	var out []*protocol.Task
	for _, t := range queued {
		for _, dep := range t.DependsOn {
			st, ok := statuses[dep]
			if !ok || st == protocol.TaskFailed || st == protocol.TaskDeadLetter {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// ByAgent returns tasks holding a live assignment claim for the agent.
// Under the single-assignment invariant this is at most one task; the
// scheduler reclaims whatever it finds on disconnect, healing any
// inconsistency instead of crashing on it.
func (s *Store) ByAgent(ctx context.Context, agentID string) ([]*protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE agent_id=? AND status IN (?, ?)`,
		agentID, protocol.TaskAssigned, protocol.TaskWorking)
	if err != nil {
		return nil, fmt.Errorf("query tasks by agent: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// Stuck returns live-assigned tasks whose updated_at is older than the
// threshold: the liveness net for agents that stay connected but stall.
func (s *Store) Stuck(ctx context.Context, threshold time.Duration) ([]*protocol.Task, error) {
	cutoff := s.nowFunc().UTC().Add(-threshold).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND updated_at < ?
		 ORDER BY updated_at`,
		protocol.TaskAssigned, protocol.TaskWorking, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stuck tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// statusIndex returns the status of every task, for dependency gating.
func (s *Store) statusIndex(ctx context.Context) (map[string]protocol.TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	statuses := make(map[string]protocol.TaskStatus)
	for rows.Next() {
		var id string
		var status protocol.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses[id] = status
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statuses: %w", err)
	}
	return statuses, nil
}

// depsSatisfied reports whether every dependency has completed. Unknown
// dependency ids gate forever; Blocked surfaces them.
func depsSatisfied(t *protocol.Task, statuses map[string]protocol.TaskStatus) bool {
	for _, dep := range t.DependsOn {
		if statuses[dep] != protocol.TaskCompleted {
			return false
		}
	}
	return true
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*protocol.Task, error) {
	var t protocol.Task
	var caps, deps, decision, submittedAt, updatedAt string
	err := row.Scan(&t.ID, &t.Description, &t.Status, &t.Priority, &t.Complexity,
		&t.Model, &caps, &deps, &t.Workspace, &t.Generation, &t.RetryCount,
		&t.MaxRetries, &t.AgentID, &t.Result, &t.LastError, &decision,
		&submittedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(caps), &t.Capabilities); err != nil {
		return nil, fmt.Errorf("parse capabilities for %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("parse depends_on for %s: %w", t.ID, err)
	}
	if decision != "" {
		var d protocol.RoutingDecision
		if err := json.Unmarshal([]byte(decision), &d); err != nil {
			return nil, fmt.Errorf("parse decision for %s: %w", t.ID, err)
		}
		t.Decision = &d
	}
	if t.SubmittedAt, err = time.Parse(timeLayout, submittedAt); err != nil {
		return nil, fmt.Errorf("parse submitted_at for %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", t.ID, err)
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*protocol.Task, error) {
	var out []*protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}
