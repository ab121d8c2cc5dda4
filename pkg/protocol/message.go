package protocol

import "encoding/json"

// MessageType identifies a wire message.
type MessageType string

// Message type constants. Agents speak HELLO once, then the lifecycle
// messages; SUBMIT and QUERY arrive on short-lived admin connections that
// expect a single ACK in response.
const (
	MsgHello     MessageType = "HELLO"
	MsgAssign    MessageType = "ASSIGN"
	MsgAccepted  MessageType = "ACCEPTED"
	MsgProgress  MessageType = "PROGRESS"
	MsgCompleted MessageType = "COMPLETED"
	MsgFailed    MessageType = "FAILED"
	MsgBlocked   MessageType = "BLOCKED"
	MsgUnblocked MessageType = "UNBLOCKED"
	MsgSubmit    MessageType = "SUBMIT"
	MsgQuery     MessageType = "QUERY"
	MsgACK       MessageType = "ACK"
)

// Message is the NDJSON envelope for all coordinator traffic. Exactly one
// payload pointer matching Type is set.
type Message struct {
	Type      MessageType       `json:"type"`
	Hello     *HelloPayload     `json:"hello,omitempty"`
	Assign    *AssignPayload    `json:"assign,omitempty"`
	Accepted  *AcceptedPayload  `json:"accepted,omitempty"`
	Progress  *ProgressPayload  `json:"progress,omitempty"`
	Completed *CompletedPayload `json:"completed,omitempty"`
	Failed    *FailedPayload    `json:"failed,omitempty"`
	Blocked   *BlockedPayload   `json:"blocked,omitempty"`
	Unblocked *BlockedPayload   `json:"unblocked,omitempty"`
	Submit    *SubmitPayload    `json:"submit,omitempty"`
	Query     *QueryPayload     `json:"query,omitempty"`
	ACK       *ACKPayload       `json:"ack,omitempty"`
}

// HelloPayload registers an agent on connect. The connection itself is the
// liveness handle: when it drops, the agent's state is discarded.
type HelloPayload struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Host         string   `json:"host,omitempty"` // for endpoint colocation
}

// AssignPayload delivers a task to an agent. Generation is the fencing token
// the agent must echo on every subsequent message about this task.
type AssignPayload struct {
	TaskID      string           `json:"task_id"`
	Generation  int              `json:"generation"`
	Description string           `json:"description"`
	Workspace   string           `json:"workspace,omitempty"`
	Decision    *RoutingDecision `json:"decision,omitempty"`
}

// AcceptedPayload acknowledges an assignment.
type AcceptedPayload struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	Generation int    `json:"generation"`
}

// ProgressPayload is a heartbeat for an in-flight task.
type ProgressPayload struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	Generation int    `json:"generation"`
	Note       string `json:"note,omitempty"`
}

// CompletedPayload reports successful execution.
type CompletedPayload struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	Generation int    `json:"generation"`
	Result     string `json:"result,omitempty"`
}

// FailedPayload reports failed execution.
type FailedPayload struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	Generation int    `json:"generation"`
	Error      string `json:"error,omitempty"`
}

// BlockedPayload reports a working agent blocking or unblocking on an
// external condition.
type BlockedPayload struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	Generation int    `json:"generation"`
	Reason     string `json:"reason,omitempty"`
}

// SubmitPayload creates a task. Unset fields take store defaults.
type SubmitPayload struct {
	Description  string   `json:"description"`
	Priority     *int     `json:"priority,omitempty"`
	Complexity   Tier     `json:"complexity,omitempty"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Workspace    string   `json:"workspace,omitempty"`
	MaxRetries   *int     `json:"max_retries,omitempty"`
}

// Query kinds understood by the admin surface.
const (
	QueryStatus = "status"
	QueryTasks  = "tasks"
	QueryAgents = "agents"
)

// QueryPayload requests a read-only snapshot. ID narrows tasks/agents
// queries to a single entity.
type QueryPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// ACKPayload is the single response to a SUBMIT or QUERY.
type ACKPayload struct {
	OK     bool            `json:"ok"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
