// Package scheduler implements the coordinator's orchestration core. One
// message-ordered goroutine owns all scheduler state: the agent instance
// map, pending acceptance timers, and in-flight matching. It reacts to
// queue and presence events, asks the router for placements, and drives the
// task store and the per-agent state machines to carry them out.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/pkg/agent"
	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/router"
	"loom/pkg/store"
)

// eventDepth bounds the scheduler's event queue. Events are cheap to
// process; the buffer only needs to absorb bursts of agent traffic.
const eventDepth = 1024

// RosterSource provides point-in-time endpoint snapshots. Snapshots are
// read fresh at the start of every pass, never cached.
type RosterSource interface {
	Snapshot() []router.Endpoint
}

// Sender delivers a push instruction to the transport layer: this message,
// to this agent, over its live connection.
type Sender interface {
	Send(agentID string, msg protocol.Message) error
}

// Config holds Scheduler configuration.
type Config struct {
	AcceptTimeout  time.Duration // acceptance timer per assignment (default 30s)
	SweepInterval  time.Duration // stuck-task sweep period (default 1m)
	StuckThreshold time.Duration // updated_at age that counts as stuck (default 5m)

	// RosterChanges, when set, signals endpoint roster updates and wakes
	// the matching loop.
	RosterChanges <-chan struct{}
}

func (c Config) withDefaults() Config {
	out := c
	if out.AcceptTimeout == 0 {
		out.AcceptTimeout = 30 * time.Second
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = time.Minute
	}
	if out.StuckThreshold == 0 {
		out.StuckThreshold = 5 * time.Minute
	}
	return out
}

// Scheduler pairs schedulable tasks with idle agents.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	router *router.Router
	roster RosterSource
	sender Sender
	log    *eventlog.Log
	logger *slog.Logger

	events  chan event
	notices noticeQueue

	// Owned by the run goroutine.
	agents      map[string]*agent.Instance
	timers      map[string]*acceptanceTimer // task id -> pending acceptance timer
	blockedSeen map[string]bool             // task ids already surfaced as blocked forever

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// acceptanceTimer tracks one pending acceptance window. The (agent id,
// generation) tag is re-checked when the timer fires, so a timer that lost
// the race against reassignment is a no-op.
type acceptanceTimer struct {
	agentID    string
	generation int
	timer      *time.Timer
}

// noticeQueue is the unbounded path from the agent state machines back into
// the loop. push never blocks: the loop reads agent snapshots synchronously
// during a pass, so an instance waiting on the loop here would deadlock it.
type noticeQueue struct {
	mu      sync.Mutex
	pending []agent.Notice
	signal  chan struct{}
}

func (q *noticeQueue) push(n agent.Notice) {
	q.mu.Lock()
	q.pending = append(q.pending, n)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *noticeQueue) drain() []agent.Notice {
	q.mu.Lock()
	out := q.pending
	q.pending = nil
	q.mu.Unlock()
	return out
}

// New creates a Scheduler. Call SetSender before Run.
func New(cfg Config, st *store.Store, rt *router.Router, roster RosterSource, log *eventlog.Log, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		store:       st,
		router:      rt,
		roster:      roster,
		log:         log,
		logger:      logger.With("component", "scheduler"),
		events:      make(chan event, eventDepth),
		notices:     noticeQueue{signal: make(chan struct{}, 1)},
		agents:      make(map[string]*agent.Instance),
		timers:      make(map[string]*acceptanceTimer),
		blockedSeen: make(map[string]bool),
		nowFunc:     time.Now,
	}
}

// SetSender wires the transport's delivery side.
func (s *Scheduler) SetSender(snd Sender) { s.sender = snd }

// SetNowFunc overrides the scheduler clock (for testing).
func (s *Scheduler) SetNowFunc(f func() time.Time) { s.nowFunc = f }

// --- Event loop ---

type eventType int

const (
	evKick eventType = iota // run a matching pass
	evConnect
	evDisconnect
	evAgentMsg // protocol event forwarded from transport
	evExpire   // acceptance timer fired
	evRoster
	evSweep
	evQueryAgents
)

type event struct {
	typ eventType

	// evConnect / evDisconnect / evAgentMsg
	agentID string
	caps    []string
	host    string

	// evAgentMsg
	msgType    protocol.MessageType
	taskID     string
	generation int
	detail     string

	// evQueryAgents
	reply chan []protocol.AgentSnapshot
}

// Run processes events until ctx is cancelled. All scheduler state is
// touched only from this goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-sweep.C:
			s.handle(ctx, event{typ: evSweep})
		case <-s.cfg.RosterChanges:
			s.handle(ctx, event{typ: evRoster})
		case <-s.notices.signal:
			for _, n := range s.notices.drain() {
				s.handleNotice(ctx, n)
			}
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, ev event) {
	switch ev.typ {
	case evKick, evRoster:
		s.pass(ctx)
	case evConnect:
		s.handleConnect(ctx, ev)
	case evDisconnect:
		s.handleDisconnect(ctx, ev.agentID, "agent disconnected")
	case evAgentMsg:
		s.handleAgentMsg(ev)
	case evExpire:
		s.handleExpire(ev)
	case evSweep:
		s.sweep(ctx)
	case evQueryAgents:
		ev.reply <- s.snapshotAgents()
	}
}

// shutdown stops agent goroutines and cancels pending timers.
func (s *Scheduler) shutdown() {
	for id, inst := range s.agents {
		inst.Stop()
		delete(s.agents, id)
	}
	for id, at := range s.timers {
		at.timer.Stop()
		delete(s.timers, id)
	}
}

// --- Inbound API (transport and admin callers) ---

// Submit validates and persists a new task, then wakes the matcher.
// Validation failures return synchronously to the caller.
func (s *Scheduler) Submit(ctx context.Context, p store.SubmitParams) (*protocol.Task, error) {
	t, err := s.store.Submit(ctx, p)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, eventlog.Entry{Type: eventlog.TypeSubmitted, Source: "scheduler", TaskID: t.ID,
		Payload: fmt.Sprintf(`{"priority":%d,"complexity":%q}`, t.Priority, t.Complexity)})
	s.events <- event{typ: evKick}
	return t, nil
}

// AgentConnected registers a freshly authenticated agent.
func (s *Scheduler) AgentConnected(id string, caps []string, host string) {
	s.events <- event{typ: evConnect, agentID: id, caps: caps, host: host}
}

// AgentDisconnected tears down the agent's state machine and reclaims any
// live assignment it held.
func (s *Scheduler) AgentDisconnected(id string) {
	s.events <- event{typ: evDisconnect, agentID: id}
}

// AgentEvent forwards a protocol lifecycle event from the transport. Every
// event carries the task id and the generation it was assigned under.
func (s *Scheduler) AgentEvent(agentID string, msgType protocol.MessageType, taskID string, generation int, detail string) {
	s.events <- event{typ: evAgentMsg, agentID: agentID, msgType: msgType,
		taskID: taskID, generation: generation, detail: detail}
}

// Kick requests a matching pass (for tests and admin tooling).
func (s *Scheduler) Kick() {
	s.events <- event{typ: evKick}
}

// --- Query surface ---

// Agents returns read-only snapshots of every connected agent.
func (s *Scheduler) Agents() []protocol.AgentSnapshot {
	reply := make(chan []protocol.AgentSnapshot, 1)
	s.events <- event{typ: evQueryAgents, reply: reply}
	return <-reply
}

// Agent returns the snapshot for one agent.
func (s *Scheduler) Agent(id string) (protocol.AgentSnapshot, error) {
	for _, snap := range s.Agents() {
		if snap.ID == id {
			return snap, nil
		}
	}
	return protocol.AgentSnapshot{}, &protocol.AgentNotFoundError{AgentID: id}
}

// Tasks returns all task records.
func (s *Scheduler) Tasks(ctx context.Context) ([]*protocol.Task, error) {
	return s.store.List(ctx)
}

// Task returns one task record.
func (s *Scheduler) Task(ctx context.Context, id string) (*protocol.Task, error) {
	return s.store.Get(ctx, id)
}

func (s *Scheduler) snapshotAgents() []protocol.AgentSnapshot {
	out := make([]protocol.AgentSnapshot, 0, len(s.agents))
	for _, inst := range s.agents {
		out = append(out, inst.Snapshot())
	}
	return out
}

// audit appends to the event log; audit failures are logged, never fatal.
func (s *Scheduler) audit(ctx context.Context, e eventlog.Entry) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(ctx, e); err != nil {
		s.logger.Warn("audit append failed", "type", e.Type, "err", err)
	}
}
