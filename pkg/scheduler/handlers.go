package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loom/pkg/agent"
	"loom/pkg/eventlog"
	"loom/pkg/protocol"
)

// handleConnect creates a fresh state machine for the agent. A connect for
// an id that is still tracked means the old link died without a disconnect;
// the stale instance is torn down first, reclaiming whatever it held.
func (s *Scheduler) handleConnect(ctx context.Context, ev event) {
	if _, exists := s.agents[ev.agentID]; exists {
		s.handleDisconnect(ctx, ev.agentID, "replaced by new connection")
	}

	inst := agent.New(ev.agentID, ev.caps, ev.host, s.notices.push, s.logger)
	s.agents[ev.agentID] = inst

	s.audit(ctx, eventlog.Entry{Type: eventlog.TypeConnected, Source: "scheduler", AgentID: ev.agentID,
		Payload: fmt.Sprintf(`{"capabilities":%d,"host":%q}`, len(ev.caps), ev.host)})
	s.logger.Info("agent connected", "agent", ev.agentID, "host", ev.host)

	s.pass(ctx)
}

// handleDisconnect discards the agent's state machine and reclaims any task
// it still holds per the store. Retry counts are unchanged: a disconnect is
// not the task's fault.
func (s *Scheduler) handleDisconnect(ctx context.Context, agentID, reason string) {
	inst, ok := s.agents[agentID]
	if !ok {
		return
	}
	inst.Stop()
	delete(s.agents, agentID)

	held, err := s.store.ByAgent(ctx, agentID)
	if err != nil {
		s.logger.Error("lookup held tasks failed", "agent", agentID, "err", err)
		held = nil
	}
	for _, t := range held {
		s.reclaim(ctx, t.ID, agentID, reason)
	}

	s.audit(ctx, eventlog.Entry{Type: eventlog.TypeDisconnected, Source: "scheduler", AgentID: agentID,
		Payload: fmt.Sprintf(`{"reason":%q}`, reason)})
	s.logger.Info("agent disconnected", "agent", agentID, "reclaimed", len(held))

	if len(held) > 0 {
		s.pass(ctx)
	}
}

// handleAgentMsg routes a forwarded protocol event into the agent's state
// machine. Events for unknown agents are dropped; the agent disconnected
// while its message was in flight.
func (s *Scheduler) handleAgentMsg(ev event) {
	inst, ok := s.agents[ev.agentID]
	if !ok {
		s.logger.Debug("event for unknown agent dropped", "agent", ev.agentID, "type", ev.msgType)
		return
	}

	switch ev.msgType {
	case protocol.MsgAccepted:
		inst.Accepted(ev.taskID, ev.generation)
	case protocol.MsgProgress:
		inst.Progress(ev.taskID, ev.generation)
	case protocol.MsgCompleted:
		inst.Completed(ev.taskID, ev.generation, ev.detail)
	case protocol.MsgFailed:
		inst.Failed(ev.taskID, ev.generation, ev.detail)
	case protocol.MsgBlocked:
		inst.Blocked(ev.taskID, ev.detail)
	case protocol.MsgUnblocked:
		inst.Unblocked(ev.taskID)
	default:
		s.logger.Debug("unhandled agent message", "agent", ev.agentID, "type", ev.msgType)
	}
}

// handleNotice advances the task store for a state-machine transition. The
// store re-checks the generation on every mutation, so a notice that lost a
// reassignment race degrades to a stale no-op here.
func (s *Scheduler) handleNotice(ctx context.Context, n agent.Notice) {
	switch n.Type {
	case agent.NoticeAccepted:
		err := s.store.Accept(ctx, n.TaskID, n.Generation)
		if s.staleOrInvalid(ctx, err, n) {
			return
		}
		s.cancelTimer(n.TaskID)
		s.audit(ctx, eventlog.Entry{Type: eventlog.TypeAccepted, Source: "scheduler",
			TaskID: n.TaskID, AgentID: n.AgentID})

	case agent.NoticeProgress:
		err := s.store.UpdateProgress(ctx, n.TaskID, n.Generation)
		if s.staleOrInvalid(ctx, err, n) {
			return
		}

	case agent.NoticeCompleted:
		err := s.store.Complete(ctx, n.TaskID, n.Generation, n.Result)
		if s.staleOrInvalid(ctx, err, n) {
			return
		}
		s.cancelTimer(n.TaskID)
		s.audit(ctx, eventlog.Entry{Type: eventlog.TypeCompleted, Source: "scheduler",
			TaskID: n.TaskID, AgentID: n.AgentID})
		s.logger.Info("task completed", "task", n.TaskID, "agent", n.AgentID)
		s.pass(ctx)

	case agent.NoticeFailed:
		t, err := s.store.Fail(ctx, n.TaskID, n.Generation, n.Error)
		if s.staleOrInvalid(ctx, err, n) {
			return
		}
		s.cancelTimer(n.TaskID)
		if t.Status == protocol.TaskDeadLetter {
			s.audit(ctx, eventlog.Entry{Type: eventlog.TypeDeadLettered, Source: "scheduler",
				TaskID: n.TaskID, AgentID: n.AgentID,
				Payload: fmt.Sprintf(`{"retries":%d,"error":%q}`, t.RetryCount, n.Error)})
			s.logger.Warn("task dead-lettered", "task", n.TaskID, "retries", t.RetryCount)
		} else {
			s.audit(ctx, eventlog.Entry{Type: eventlog.TypeFailed, Source: "scheduler",
				TaskID: n.TaskID, AgentID: n.AgentID,
				Payload: fmt.Sprintf(`{"retry":%d,"error":%q}`, t.RetryCount, n.Error)})
		}
		s.pass(ctx)

	case agent.NoticeExpired:
		// The agent never accepted: reclaim and leave the unresponsive flag
		// to keep the agent out of matching until it speaks again.
		s.cancelTimer(n.TaskID)
		s.reclaim(ctx, n.TaskID, n.AgentID, n.Reason)
		s.logger.Warn("acceptance timed out", "task", n.TaskID, "agent", n.AgentID)
		s.pass(ctx)

	case agent.NoticeBlocked:
		s.audit(ctx, eventlog.Entry{Type: eventlog.TypeAgentBlocked, Source: "scheduler",
			TaskID: n.TaskID, AgentID: n.AgentID, Payload: fmt.Sprintf(`{"reason":%q}`, n.Reason)})

	case agent.NoticeUnblocked:
		s.audit(ctx, eventlog.Entry{Type: eventlog.TypeAgentUnblocked, Source: "scheduler",
			TaskID: n.TaskID, AgentID: n.AgentID})
	}
}

// staleOrInvalid classifies a store mutation error. Stale generations and
// invalid transitions are expected under reassignment races and duplicate
// delivery: both are no-ops, audited or logged, never surfaced to the
// remote party.
func (s *Scheduler) staleOrInvalid(ctx context.Context, err error, n agent.Notice) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, protocol.ErrStaleGeneration):
		s.audit(ctx, eventlog.Entry{Type: eventlog.TypeStale, Source: "scheduler",
			TaskID: n.TaskID, AgentID: n.AgentID,
			Payload: fmt.Sprintf(`{"notice":%q,"generation":%d}`, n.Type, n.Generation)})
		return true
	case errors.Is(err, protocol.ErrInvalidTransition):
		s.logger.Debug("late message ignored", "task", n.TaskID, "notice", n.Type, "err", err)
		return true
	default:
		s.logger.Error("store mutation failed", "task", n.TaskID, "notice", n.Type, "err", err)
		return true
	}
}

// handleExpire routes a fired acceptance timer into the agent machine. The
// machine re-checks (task id, generation) against its live assignment, so a
// timer that fired after acceptance is a no-op; the authoritative reclaim
// happens on the resulting NoticeExpired.
func (s *Scheduler) handleExpire(ev event) {
	at, ok := s.timers[ev.taskID]
	if !ok || at.generation != ev.generation {
		return
	}
	delete(s.timers, ev.taskID)

	if inst, ok := s.agents[ev.agentID]; ok {
		inst.Expire(ev.taskID, ev.generation)
	}
}

// reclaim returns one task to the queue and records why.
func (s *Scheduler) reclaim(ctx context.Context, taskID, agentID, reason string) {
	if _, err := s.store.Reclaim(ctx, taskID, reason); err != nil {
		if !errors.Is(err, protocol.ErrInvalidTransition) {
			s.logger.Error("reclaim failed", "task", taskID, "err", err)
		}
		return
	}
	s.cancelTimer(taskID)
	s.audit(ctx, eventlog.Entry{Type: eventlog.TypeReclaimed, Source: "scheduler",
		TaskID: taskID, AgentID: agentID, Payload: fmt.Sprintf(`{"reason":%q}`, reason)})
}

// sweep is the periodic liveness net: reclaim stuck tasks and surface
// permanently blocked ones.
func (s *Scheduler) sweep(ctx context.Context) {
	stuck, err := s.store.Stuck(ctx, s.cfg.StuckThreshold)
	if err != nil {
		s.logger.Error("stuck query failed", "err", err)
		return
	}
	for _, t := range stuck {
		s.audit(ctx, eventlog.Entry{Type: eventlog.TypeStuck, Source: "scheduler",
			TaskID: t.ID, AgentID: t.AgentID,
			Payload: fmt.Sprintf(`{"updated_at":%q}`, t.UpdatedAt.Format(time.RFC3339))})
		s.logger.Warn("stuck task reclaimed", "task", t.ID, "agent", t.AgentID)
		if inst, ok := s.agents[t.AgentID]; ok {
			inst.Reset(t.ID, "stuck: no progress")
		}
		s.reclaim(ctx, t.ID, t.AgentID, "stuck: no progress")
	}

	blocked, err := s.store.Blocked(ctx)
	if err != nil {
		s.logger.Error("blocked query failed", "err", err)
	}
	for _, t := range blocked {
		if s.blockedSeen[t.ID] {
			continue
		}
		s.blockedSeen[t.ID] = true
		s.audit(ctx, eventlog.Entry{Type: eventlog.TypeBlockedForever, Source: "scheduler", TaskID: t.ID,
			Payload: fmt.Sprintf(`{"depends_on":%d}`, len(t.DependsOn))})
		s.logger.Warn("task blocked forever by failed dependency", "task", t.ID)
	}

	if len(stuck) > 0 {
		s.pass(ctx)
	}
}

// --- Acceptance timers ---

// startTimer arms the acceptance window for a fresh assignment. At most one
// pending timer exists per task id.
func (s *Scheduler) startTimer(taskID, agentID string, generation int) {
	s.cancelTimer(taskID)
	at := &acceptanceTimer{agentID: agentID, generation: generation}
	at.timer = time.AfterFunc(s.cfg.AcceptTimeout, func() {
		s.events <- event{typ: evExpire, agentID: agentID, taskID: taskID, generation: generation}
	})
	s.timers[taskID] = at
}

func (s *Scheduler) cancelTimer(taskID string) {
	if at, ok := s.timers[taskID]; ok {
		at.timer.Stop()
		delete(s.timers, taskID)
	}
}
