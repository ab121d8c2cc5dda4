// Package eventlog provides the coordinator's lifecycle audit log: an
// append side used by the scheduler and transport for every state change,
// and a read-only query side for the CLI and dashboard.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Well-known event types. The payload column carries small JSON fragments
// with event-specific detail.
const (
	TypeSubmitted       = "submitted"
	TypeAssigned        = "assigned"
	TypeAccepted        = "accepted"
	TypeProgress        = "progress"
	TypeCompleted       = "completed"
	TypeFailed          = "failed"
	TypeDeadLettered    = "dead_lettered"
	TypeReclaimed       = "reclaimed"
	TypeConnected       = "connected"
	TypeDisconnected    = "disconnected"
	TypeScheduleMatch   = "schedule_match"
	TypeScheduleSkip    = "schedule_skip"
	TypeRoutingDecision = "routing_decision"
	TypeRoutingFallback = "routing_fallback"
	TypeAgentBlocked    = "agent_blocked"
	TypeAgentUnblocked  = "agent_unblocked"
	TypeBlockedForever  = "blocked_forever"
	TypeStuck           = "stuck"
	TypeStale           = "stale_message"
)

// Entry is one audit event.
type Entry struct {
	Type    string
	Source  string // "scheduler", "transport", "store"
	TaskID  string
	AgentID string
	Payload string // optional JSON fragment
}

// Log is the append side. It shares the coordinator's main database
// connection; appends are synchronous like every other state write.
type Log struct {
	db *sql.DB
}

// New creates a Log over an open database with the schema applied.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append writes one audit event. Append failures are reported but callers
// generally log and continue: the audit trail must never take the
// coordinator down.
func (l *Log) Append(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, agent_id, payload) VALUES (?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.TaskID, e.AgentID, e.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
