package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/router"
)

// pass runs one matching pass: route every schedulable task and hand it to
// an idle agent with the required capabilities. Tasks come back in lane
// order (priority, then submission time), so urgent work always gets first
// pick of the idle pool. A task with no eligible agent is skipped without
// consuming one; the next wake retries it.
func (s *Scheduler) pass(ctx context.Context) {
	tasks, err := s.store.Schedulable(ctx)
	if err != nil {
		s.logger.Error("schedulable query failed", "err", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	idle := s.idleAgents()
	if len(idle) == 0 {
		return
	}
	endpoints := s.roster.Snapshot()

	for _, t := range tasks {
		if len(idle) == 0 {
			return
		}

		decision := s.router.Route(t, endpoints)
		agentID := pick(idle, t.Capabilities, endpointHost(endpoints, decision.Endpoint))
		if agentID == "" {
			s.audit(ctx, eventlog.Entry{Type: eventlog.TypeScheduleSkip, Source: "scheduler", TaskID: t.ID,
				Payload: fmt.Sprintf(`{"idle":%d,"capabilities":%s}`, len(idle), marshalJSON(t.Capabilities))})
			continue
		}
		delete(idle, agentID)

		s.dispatch(ctx, t, agentID, decision)
	}
}

// dispatch performs the assignment handshake for one matched pair: persist
// the routing decision, bump the generation in the store, move the agent
// machine to assigned, push ASSIGN down the wire, and arm the acceptance
// timer. A send failure unwinds immediately so the task never waits out a
// timeout for an agent that was already unreachable.
func (s *Scheduler) dispatch(ctx context.Context, t *protocol.Task, agentID string, decision protocol.RoutingDecision) {
	if err := s.store.RecordRoutingDecision(ctx, t.ID, decision); err != nil {
		s.logger.Error("record routing decision failed", "task", t.ID, "err", err)
	}
	auditType := eventlog.TypeRoutingDecision
	if decision.Fallback {
		auditType = eventlog.TypeRoutingFallback
	}
	if payload, err := json.Marshal(decision); err == nil {
		s.audit(ctx, eventlog.Entry{Type: auditType, Source: "scheduler", TaskID: t.ID, Payload: string(payload)})
	}

	assigned, err := s.store.Assign(ctx, t.ID, agentID)
	if err != nil {
		s.logger.Error("assign failed", "task", t.ID, "agent", agentID, "err", err)
		return
	}
	inst := s.agents[agentID]
	inst.Assign(assigned.ID, assigned.Generation)

	msg := protocol.Message{Type: protocol.MsgAssign, Assign: &protocol.AssignPayload{
		TaskID:      assigned.ID,
		Generation:  assigned.Generation,
		Description: assigned.Description,
		Workspace:   assigned.Workspace,
		Decision:    &decision,
	}}
	if s.sender == nil {
		s.logger.Warn("no sender wired, assignment undeliverable", "task", t.ID)
		inst.Reset(assigned.ID, "no transport")
		s.reclaim(ctx, assigned.ID, agentID, "no transport")
		return
	}
	if err := s.sender.Send(agentID, msg); err != nil {
		s.logger.Warn("assign send failed", "task", t.ID, "agent", agentID, "err", err)
		inst.Reset(assigned.ID, "send failed")
		s.reclaim(ctx, assigned.ID, agentID, "assign delivery failed")
		return
	}

	s.startTimer(assigned.ID, agentID, assigned.Generation)
	s.audit(ctx, eventlog.Entry{Type: eventlog.TypeAssigned, Source: "scheduler",
		TaskID: assigned.ID, AgentID: agentID,
		Payload: fmt.Sprintf(`{"generation":%d,"tier":%q}`, assigned.Generation, decision.Tier)})
	s.audit(ctx, eventlog.Entry{Type: eventlog.TypeScheduleMatch, Source: "scheduler",
		TaskID: assigned.ID, AgentID: agentID})
	s.logger.Info("task assigned", "task", assigned.ID, "agent", agentID,
		"generation", assigned.Generation, "tier", decision.Tier)
}

// idleAgents snapshots the agents currently able to take work. Agents that
// let an acceptance window lapse stay out of the pool until they send
// something again.
func (s *Scheduler) idleAgents() map[string]protocol.AgentSnapshot {
	idle := make(map[string]protocol.AgentSnapshot)
	for id, inst := range s.agents {
		snap := inst.Snapshot()
		if snap.State == protocol.AgentIdle && !snap.Unresponsive {
			idle[id] = snap
		}
	}
	return idle
}

// pick selects an idle agent whose capability set covers required. When the
// routing decision names an endpoint, an agent on the same host wins over
// one elsewhere; among equals the lexically smallest id wins so repeated
// passes are deterministic.
func pick(idle map[string]protocol.AgentSnapshot, required []string, endpointHost string) string {
	var best string
	var bestColocated bool
	for id, snap := range idle {
		if !covers(snap.Capabilities, required) {
			continue
		}
		colocated := endpointHost != "" && snap.Host == endpointHost
		switch {
		case best == "":
		case colocated && !bestColocated:
		case colocated == bestColocated && id < best:
		default:
			continue
		}
		best, bestColocated = id, colocated
	}
	return best
}

// covers reports whether have is a superset of want.
func covers(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// endpointHost resolves a routed endpoint name to its host for colocation.
func endpointHost(endpoints []router.Endpoint, name string) string {
	if name == "" {
		return ""
	}
	for _, ep := range endpoints {
		if ep.Name == name {
			return ep.Host
		}
	}
	return ""
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
