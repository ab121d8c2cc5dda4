// Package agent implements the per-agent state machine. Each connected
// agent is represented by one Instance whose goroutine owns the state
// exclusively: commands arrive on an inbox channel and process strictly in
// arrival order, so no two operations ever race on the same agent's state.
// Instances are created on connect and torn down on disconnect; a
// reconnecting agent always gets a fresh instance.
package agent

import (
	"log/slog"

	"loom/pkg/protocol"
)

// inboxDepth bounds the per-agent command queue. Commands come from the
// scheduler loop and the transport reader; at fleet scale a handful of
// entries is typical.
const inboxDepth = 64

// NoticeType classifies a state-machine emission back to the scheduler.
type NoticeType string

// Notice type constants.
const (
	NoticeAccepted  NoticeType = "accepted"  // assigned -> working
	NoticeCompleted NoticeType = "completed" // working -> idle, success
	NoticeFailed    NoticeType = "failed"    // working -> idle, failure
	NoticeProgress  NoticeType = "progress"  // heartbeat, no transition
	NoticeBlocked   NoticeType = "blocked"   // working -> blocked
	NoticeUnblocked NoticeType = "unblocked" // blocked -> working
	NoticeExpired   NoticeType = "expired"   // acceptance timer fired, now idle+unresponsive
)

// Notice is emitted on every observable transition. The scheduler advances
// or reclaims the task accordingly.
type Notice struct {
	Type       NoticeType
	AgentID    string
	TaskID     string
	Generation int
	Result     string
	Error      string
	Reason     string
}

// Instance is one agent's state machine. All fields below inbox are owned
// by the run goroutine and must not be touched from outside it.
type Instance struct {
	id     string
	caps   []string
	host   string
	inbox  chan command
	notify func(Notice)
	logger *slog.Logger

	state        protocol.AgentState
	taskID       string
	generation   int
	unresponsive bool
}

// New creates an Instance and starts its goroutine. notify is invoked from
// the instance goroutine on every observable transition; it must not block,
// or the instance stalls behind it.
func New(id string, caps []string, host string, notify func(Notice), logger *slog.Logger) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	inst := &Instance{
		id:     id,
		caps:   caps,
		host:   host,
		inbox:  make(chan command, inboxDepth),
		notify: notify,
		logger: logger.With("agent", id),
		state:  protocol.AgentIdle,
	}
	go inst.run()
	return inst
}

// ID returns the agent id.
func (i *Instance) ID() string { return i.id }

// Capabilities returns the declared capability set.
func (i *Instance) Capabilities() []string { return i.caps }

// Host returns the machine the agent declared on connect.
func (i *Instance) Host() string { return i.host }

// --- Commands (safe from any goroutine) ---

type commandType int

const (
	cmdAssign commandType = iota
	cmdAccepted
	cmdCompleted
	cmdFailed
	cmdBlocked
	cmdUnblocked
	cmdProgress
	cmdExpire
	cmdReset
	cmdQuery
	cmdStop
)

type command struct {
	typ        commandType
	taskID     string
	generation int
	detail     string // result, error, or reason depending on typ
	reply      chan protocol.AgentSnapshot
}

// Assign hands a task to the agent machine: idle -> assigned.
func (i *Instance) Assign(taskID string, generation int) {
	i.inbox <- command{typ: cmdAssign, taskID: taskID, generation: generation}
}

// Accepted processes an acceptance from the remote agent. Acceptances for a
// task other than the currently assigned one are stale and ignored, a
// fencing check independent of the generation.
func (i *Instance) Accepted(taskID string, generation int) {
	i.inbox <- command{typ: cmdAccepted, taskID: taskID, generation: generation}
}

// Completed processes a completion report: working -> idle.
func (i *Instance) Completed(taskID string, generation int, result string) {
	i.inbox <- command{typ: cmdCompleted, taskID: taskID, generation: generation, detail: result}
}

// Failed processes a failure report: working -> idle.
func (i *Instance) Failed(taskID string, generation int, taskErr string) {
	i.inbox <- command{typ: cmdFailed, taskID: taskID, generation: generation, detail: taskErr}
}

// Blocked processes a block report: working -> blocked.
func (i *Instance) Blocked(taskID string, reason string) {
	i.inbox <- command{typ: cmdBlocked, taskID: taskID, detail: reason}
}

// Unblocked processes an unblock report: blocked -> working.
func (i *Instance) Unblocked(taskID string) {
	i.inbox <- command{typ: cmdUnblocked, taskID: taskID}
}

// Progress processes a heartbeat. No transition; clears the unresponsive
// flag, since the agent is evidently alive.
func (i *Instance) Progress(taskID string, generation int) {
	i.inbox <- command{typ: cmdProgress, taskID: taskID, generation: generation}
}

// Expire processes an acceptance-timer expiry for (taskID, generation). If
// the pair still matches the live assignment the agent returns to idle with
// the unresponsive flag set; otherwise the expiry is a no-op.
func (i *Instance) Expire(taskID string, generation int) {
	i.inbox <- command{typ: cmdExpire, taskID: taskID, generation: generation}
}

// Reset forcibly returns the agent to idle if it still holds taskID. Used
// by the stuck-task sweep after the task has been reclaimed.
func (i *Instance) Reset(taskID, reason string) {
	i.inbox <- command{typ: cmdReset, taskID: taskID, detail: reason}
}

// Snapshot returns a read-only view of the agent's state. It has no side
// effects. The round trip through the inbox also means every command sent
// before it has been processed by the time it returns.
func (i *Instance) Snapshot() protocol.AgentSnapshot {
	reply := make(chan protocol.AgentSnapshot, 1)
	i.inbox <- command{typ: cmdQuery, reply: reply}
	return <-reply
}

// Stop tears the instance down. The state is discarded; a reconnecting
// agent gets a fresh instance.
func (i *Instance) Stop() {
	i.inbox <- command{typ: cmdStop}
}

// --- State machine (run goroutine only) ---

func (i *Instance) run() {
	for cmd := range i.inbox {
		if cmd.typ == cmdStop {
			return
		}
		i.handle(cmd)
	}
}

func (i *Instance) handle(cmd command) {
	switch cmd.typ {
	case cmdQuery:
		cmd.reply <- protocol.AgentSnapshot{
			ID:           i.id,
			State:        i.state,
			TaskID:       i.taskID,
			Generation:   i.generation,
			Capabilities: i.caps,
			Host:         i.host,
			Unresponsive: i.unresponsive,
		}

	case cmdAssign:
		if i.state != protocol.AgentIdle {
			i.logger.Warn("assign ignored", "state", i.state, "task", cmd.taskID)
			return
		}
		i.state = protocol.AgentAssigned
		i.taskID = cmd.taskID
		i.generation = cmd.generation

	case cmdAccepted:
		// Stale acceptance: not the task we assigned. Expected after a
		// reassignment race; drop silently.
		if i.state != protocol.AgentAssigned || cmd.taskID != i.taskID {
			i.logger.Debug("stale acceptance ignored", "task", cmd.taskID, "state", i.state)
			return
		}
		i.state = protocol.AgentWorking
		i.unresponsive = false
		i.emit(NoticeAccepted, cmd.detail)

	case cmdCompleted:
		if !i.holdsTask(cmd.taskID) {
			i.logger.Debug("completion ignored", "task", cmd.taskID, "state", i.state)
			return
		}
		i.clearAssignment()
		i.emitFor(NoticeCompleted, cmd)

	case cmdFailed:
		if !i.holdsTask(cmd.taskID) {
			i.logger.Debug("failure ignored", "task", cmd.taskID, "state", i.state)
			return
		}
		i.clearAssignment()
		i.emitFor(NoticeFailed, cmd)

	case cmdBlocked:
		if i.state != protocol.AgentWorking || cmd.taskID != i.taskID {
			i.logger.Debug("block ignored", "task", cmd.taskID, "state", i.state)
			return
		}
		i.state = protocol.AgentBlocked
		i.emit(NoticeBlocked, cmd.detail)

	case cmdUnblocked:
		if i.state != protocol.AgentBlocked || cmd.taskID != i.taskID {
			i.logger.Debug("unblock ignored", "task", cmd.taskID, "state", i.state)
			return
		}
		i.state = protocol.AgentWorking
		i.emit(NoticeUnblocked, "")

	case cmdProgress:
		// Any heartbeat proves the agent alive, even one for a task it no
		// longer holds. Without this an agent that missed an acceptance
		// window could never rejoin the idle pool.
		i.unresponsive = false
		if !i.holdsTask(cmd.taskID) {
			return
		}
		i.emitFor(NoticeProgress, cmd)

	case cmdExpire:
		if i.state != protocol.AgentAssigned || cmd.taskID != i.taskID || cmd.generation != i.generation {
			return
		}
		task, gen := i.taskID, i.generation
		i.clearAssignment()
		i.unresponsive = true
		i.notify(Notice{Type: NoticeExpired, AgentID: i.id, TaskID: task, Generation: gen,
			Reason: "acceptance timeout"})

	case cmdReset:
		if !i.holdsTask(cmd.taskID) {
			return
		}
		i.logger.Info("assignment reset", "task", cmd.taskID, "reason", cmd.detail)
		i.clearAssignment()
	}
}

// holdsTask reports whether the agent currently holds a live claim on the
// task in any of the assigned/working/blocked states.
func (i *Instance) holdsTask(taskID string) bool {
	return i.state != protocol.AgentIdle && taskID == i.taskID
}

func (i *Instance) clearAssignment() {
	i.state = protocol.AgentIdle
	i.taskID = ""
	i.generation = 0
}

// emit sends a notice about the current assignment. Call before
// clearAssignment when the transition closes it.
func (i *Instance) emit(typ NoticeType, detail string) {
	n := Notice{Type: typ, AgentID: i.id, TaskID: i.taskID, Generation: i.generation}
	switch typ {
	case NoticeBlocked:
		n.Reason = detail
	}
	i.notify(n)
}

// emitFor sends a notice for a command that carries its own task/generation
// pair (completion, failure, progress), after the assignment was cleared.
func (i *Instance) emitFor(typ NoticeType, cmd command) {
	n := Notice{Type: typ, AgentID: i.id, TaskID: cmd.taskID, Generation: cmd.generation}
	switch typ {
	case NoticeCompleted:
		n.Result = cmd.detail
	case NoticeFailed:
		n.Error = cmd.detail
	}
	i.notify(n)
}
