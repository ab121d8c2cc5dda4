// Package store implements the durable task store: keyed task records in
// SQLite plus the derived scheduling index. Mutations on one task are
// serialized by a store-level mutex (single-writer semantics) and persist
// synchronously before the call returns. Generation fencing lives here: any
// mutation carrying a generation that does not match the task's current one
// is a no-op reported as protocol.ErrStaleGeneration.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loom/pkg/protocol"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is how timestamps are stored in SQLite (lexicographically
// sortable, UTC).
const timeLayout = time.RFC3339Nano

// DefaultMaxRetries applies when a submission does not set max_retries.
const DefaultMaxRetries = 3

// Store is the durable task store.
type Store struct {
	db *sql.DB

	// mu serializes all mutations; SQLite writes are synchronous, so a
	// mutation that returned has been persisted.
	mu sync.Mutex

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Store over an open database. The caller is responsible for
// having applied protocol.SchemaDDL.
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the store clock (for testing).
func (s *Store) SetNowFunc(f func() time.Time) { s.nowFunc = f }

// SubmitParams carries the caller-supplied fields of a new task.
type SubmitParams struct {
	Description  string
	Priority     *int // nil = PriorityNormal
	Complexity   protocol.Tier
	Model        string
	Capabilities []string
	DependsOn    []string
	Workspace    string
	MaxRetries   *int // nil = DefaultMaxRetries
}

// Submit creates a queued task and returns it.
func (s *Store) Submit(ctx context.Context, p SubmitParams) (*protocol.Task, error) {
	if p.Description == "" {
		return nil, fmt.Errorf("submit: description is required")
	}
	complexity := p.Complexity
	if complexity == "" {
		complexity = protocol.TierUnknown
	}
	if !complexity.Valid() {
		return nil, fmt.Errorf("submit: unknown complexity %q", complexity)
	}
	priority := protocol.PriorityNormal
	if p.Priority != nil {
		priority = *p.Priority
	}
	maxRetries := DefaultMaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}

	now := s.nowFunc().UTC()
	t := &protocol.Task{
		ID:           uuid.NewString(),
		Description:  p.Description,
		Status:       protocol.TaskQueued,
		Priority:     priority,
		Complexity:   complexity,
		Model:        p.Model,
		Capabilities: p.Capabilities,
		DependsOn:    p.DependsOn,
		Workspace:    p.Workspace,
		MaxRetries:   maxRetries,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	caps, deps := marshalList(t.Capabilities), marshalList(t.DependsOn)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, description, status, priority, complexity, model,
		    capabilities, depends_on, workspace, max_retries, submitted_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Description, t.Status, t.Priority, t.Complexity, t.Model,
		caps, deps, t.Workspace, t.MaxRetries,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id string) (*protocol.Task, error) {
	return s.getTask(ctx, id)
}

// Assign claims the task for an agent: queued -> assigned, generation+1.
// The returned task carries the new generation, which fences every
// subsequent message about this assignment.
func (s *Store) Assign(ctx context.Context, id, agentID string) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != protocol.TaskQueued {
		return nil, fmt.Errorf("assign %s in status %s: %w", id, t.Status, protocol.ErrInvalidTransition)
	}

	now := s.nowFunc().UTC()
	t.Status = protocol.TaskAssigned
	t.Generation++
	t.AgentID = agentID
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, generation=?, agent_id=?, updated_at=? WHERE id=?`,
		t.Status, t.Generation, t.AgentID, now.Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("assign task: %w", err)
	}
	return t, nil
}

// Accept records the agent's acknowledgment: assigned -> working.
func (s *Store) Accept(ctx context.Context, id string, generation int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Generation != generation {
		return protocol.ErrStaleGeneration
	}
	if t.Status != protocol.TaskAssigned {
		return fmt.Errorf("accept %s in status %s: %w", id, t.Status, protocol.ErrInvalidTransition)
	}
	return s.touch(ctx, id, protocol.TaskWorking)
}

// UpdateProgress refreshes updated_at on a heartbeat. No status change; the
// timestamp feeds stuck-task detection.
func (s *Store) UpdateProgress(ctx context.Context, id string, generation int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Generation != generation {
		return protocol.ErrStaleGeneration
	}
	if !t.Status.Live() {
		return fmt.Errorf("progress for %s in status %s: %w", id, t.Status, protocol.ErrInvalidTransition)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET updated_at=? WHERE id=?`,
		s.nowFunc().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Complete finishes the task: assigned/working -> completed.
func (s *Store) Complete(ctx context.Context, id string, generation int, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Generation != generation {
		return protocol.ErrStaleGeneration
	}
	if !t.Status.Live() {
		return fmt.Errorf("complete %s in status %s: %w", id, t.Status, protocol.ErrInvalidTransition)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, result=?, agent_id='', updated_at=? WHERE id=?`,
		protocol.TaskCompleted, result, s.nowFunc().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Fail records a failed attempt. The retry count increments; the task
// requeues until the count exceeds max_retries, then dead-letters. Fail
// never silently drops a task.
func (s *Store) Fail(ctx context.Context, id string, generation int, taskErr string) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Generation != generation {
		return nil, protocol.ErrStaleGeneration
	}
	if !t.Status.Live() {
		return nil, fmt.Errorf("fail %s in status %s: %w", id, t.Status, protocol.ErrInvalidTransition)
	}

	t.RetryCount++
	t.LastError = taskErr
	t.AgentID = ""
	if t.RetryCount > t.MaxRetries {
		t.Status = protocol.TaskDeadLetter
	} else {
		t.Status = protocol.TaskQueued
	}
	now := s.nowFunc().UTC()
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, retry_count=?, last_error=?, agent_id='', updated_at=? WHERE id=?`,
		t.Status, t.RetryCount, t.LastError, now.Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	return t, nil
}

// Reclaim returns a live-assigned task to the queue: assignment cleared,
// retry count and generation unchanged. Used on agent disconnect, acceptance
// timeout, and the stuck-task sweep.
func (s *Store) Reclaim(ctx context.Context, id, reason string) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.Live() {
		return nil, fmt.Errorf("reclaim %s in status %s: %w", id, t.Status, protocol.ErrInvalidTransition)
	}

	now := s.nowFunc().UTC()
	t.Status = protocol.TaskQueued
	t.AgentID = ""
	t.LastError = reason
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, agent_id='', last_error=?, updated_at=? WHERE id=?`,
		t.Status, reason, now.Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("reclaim task: %w", err)
	}
	return t, nil
}

// RecordRoutingDecision snapshots the routing decision onto the task.
func (s *Store) RecordRoutingDecision(ctx context.Context, id string, d protocol.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getTask(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET decision=? WHERE id=?`, string(data), id)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// touch updates status and the timestamp. Caller holds s.mu.
func (s *Store) touch(ctx context.Context, id string, status protocol.TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`,
		status, s.nowFunc().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func marshalList(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}
