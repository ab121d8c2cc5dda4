// Package protocol defines the shared vocabulary of the loom coordinator:
// task and agent lifecycle states, complexity tiers, routing decisions, the
// NDJSON wire messages exchanged with agents, and the SQLite schema for the
// coordinator's durable state.
package protocol

import "time"

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

// Task status constants. Statuses advance monotonically except for the
// reclamation edge (assigned/working -> queued).
const (
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskWorking    TaskStatus = "working"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskDeadLetter
}

// Live reports whether the status carries a live assignment claim.
func (s TaskStatus) Live() bool {
	return s == TaskAssigned || s == TaskWorking
}

// Priority lanes, lower is more urgent. Tasks are matched lane by lane,
// FIFO within a lane.
const (
	PriorityUrgent = 0
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// Tier is the complexity classification of a task, produced upstream of the
// coordinator. It determines the execution target type.
type Tier string

// Tier constants.
const (
	TierTrivial  Tier = "trivial"
	TierStandard Tier = "standard"
	TierComplex  Tier = "complex"
	TierUnknown  Tier = "unknown"
)

// Valid reports whether t is a known tier value.
func (t Tier) Valid() bool {
	switch t {
	case TierTrivial, TierStandard, TierComplex, TierUnknown:
		return true
	default:
		return false
	}
}

// Effective returns the tier used for placement. Unknown classifications are
// treated as standard, never as the cheapest tier.
func (t Tier) Effective() Tier {
	if t == TierUnknown || !t.Valid() {
		return TierStandard
	}
	return t
}

// TargetType is where a routed task executes.
type TargetType string

// Routing target constants.
const (
	TargetAgent    TargetType = "local-agent"      // executes on the assigned agent itself
	TargetEndpoint TargetType = "model-endpoint"   // executes against a local model-serving host
	TargetExternal TargetType = "external-service" // executes against a metered external service
)

// Cost labels attached to routing decisions.
const (
	CostFree    = "free"
	CostMetered = "metered"
)

// RoutingDecision is the immutable record of a single routing choice. It is
// snapshotted onto the task at assignment time for audit.
type RoutingDecision struct {
	Tier           Tier       `json:"tier"`
	Target         TargetType `json:"target"`
	Endpoint       string     `json:"endpoint,omitempty"`
	Cost           string     `json:"cost"`
	Fallback       bool       `json:"fallback,omitempty"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
	Candidates     int        `json:"candidates"`
	Reason         string     `json:"reason"`
	DecidedAt      time.Time  `json:"decided_at"`
}

// Task is a unit of submitted work with a lifecycle and, while assigned, an
// owning agent. Generation is a fencing token: it increments on every
// (re)assignment, and progress/completion messages carrying a stale
// generation are ignored.
type Task struct {
	ID           string           `json:"id"`
	Description  string           `json:"description"`
	Status       TaskStatus       `json:"status"`
	Priority     int              `json:"priority"`
	Complexity   Tier             `json:"complexity"`
	Model        string           `json:"model,omitempty"` // preferred model, if any
	Capabilities []string         `json:"capabilities,omitempty"`
	DependsOn    []string         `json:"depends_on,omitempty"`
	Workspace    string           `json:"workspace,omitempty"`
	Generation   int              `json:"generation"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	AgentID      string           `json:"agent_id,omitempty"`
	Result       string           `json:"result,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	Decision     *RoutingDecision `json:"decision,omitempty"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// AgentState represents the lifecycle state of a connected agent.
type AgentState string

// Agent state constants. There is no persisted offline state: agent
// instances are torn down on disconnect and recreated on reconnect.
const (
	AgentIdle     AgentState = "idle"
	AgentAssigned AgentState = "assigned"
	AgentWorking  AgentState = "working"
	AgentBlocked  AgentState = "blocked"
)

// AgentSnapshot is a read-only view of one agent's state, served by the
// query surface.
type AgentSnapshot struct {
	ID           string     `json:"id"`
	State        AgentState `json:"state"`
	TaskID       string     `json:"task_id,omitempty"`
	Generation   int        `json:"generation,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Host         string     `json:"host,omitempty"`
	Unresponsive bool       `json:"unresponsive,omitempty"`
}
