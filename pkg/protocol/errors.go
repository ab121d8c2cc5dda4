package protocol

import (
	"errors"
	"fmt"
)

// ErrStaleGeneration marks a message whose generation (or accepted task id)
// no longer matches the store's current claim. Stale messages are expected
// under reassignment races and are never surfaced to the remote party.
var ErrStaleGeneration = errors.New("stale generation")

// ErrInvalidTransition marks a command that does not match the entity's
// current state. Duplicate and late messages hit this; callers log and move
// on without mutating anything.
var ErrInvalidTransition = errors.New("invalid transition")

// TaskNotFoundError reports an unknown task id on a query or command.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// AgentNotFoundError reports an unknown agent id on a query or command.
type AgentNotFoundError struct {
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %s not found", e.AgentID)
}

// AgentUnreachableError reports a failed delivery to a connected agent.
type AgentUnreachableError struct {
	AgentID string
	TaskID  string
	Reason  string
}

func (e *AgentUnreachableError) Error() string {
	return fmt.Sprintf("agent %s unreachable (task %s): %s",
		e.AgentID, e.TaskID, e.Reason)
}
