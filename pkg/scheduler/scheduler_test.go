package scheduler //nolint:testpackage // white-box tests drive the event loop end to end

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"loom/pkg/agent"
	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/router"
	"loom/pkg/store"

	_ "modernc.org/sqlite"
)

// fakeSender records outbound messages and can simulate delivery failures.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	down map[string]bool // agent ids that reject sends
}

type sentMsg struct {
	agentID string
	msg     protocol.Message
}

func (f *fakeSender) Send(agentID string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[agentID] {
		return &protocol.AgentUnreachableError{AgentID: agentID, Reason: "down"}
	}
	f.sent = append(f.sent, sentMsg{agentID: agentID, msg: msg})
	return nil
}

// assigns returns the ASSIGN messages sent so far.
func (f *fakeSender) assigns() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, s := range f.sent {
		if s.msg.Type == protocol.MsgAssign {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSender) markDown(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[agentID] = true
}

// fakeRoster serves a fixed endpoint list.
type fakeRoster struct {
	endpoints []router.Endpoint
}

func (f *fakeRoster) Snapshot() []router.Endpoint { return f.endpoints }

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// fakeClock is a store clock safe to advance from the test goroutine while
// the scheduler reads it.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// env wires a scheduler over a real store with fakes at the edges.
type env struct {
	sched  *Scheduler
	st     *store.Store
	sender *fakeSender
	dbPath string
	clock  *fakeClock
}

func newEnv(t *testing.T, cfg Config, endpoints []router.Endpoint) *env {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	// Same pragma the serve command sets; without it a pass racing the
	// eventlog reader can fail with SQLITE_BUSY. It goes in the DSN so it
	// applies to every pooled connection, not just the one Exec runs on.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New(db)
	st.SetNowFunc(clock.Now)

	sender := &fakeSender{}
	sched := New(cfg, st, router.New(router.Config{}), &fakeRoster{endpoints: endpoints},
		eventlog.New(db), nil)
	sched.SetSender(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &env{sched: sched, st: st, sender: sender, dbPath: dbPath, clock: clock}
}

func (e *env) submit(t *testing.T, p store.SubmitParams) *protocol.Task {
	t.Helper()
	task, err := e.sched.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func (e *env) taskStatus(t *testing.T, id string) protocol.TaskStatus {
	t.Helper()
	task, err := e.st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task.Status
}

func TestTaskLifecycleEndToEnd(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	e.sched.AgentConnected("agent-1", []string{"go"}, "box-1")
	task := e.submit(t, store.SubmitParams{Description: "implement feature", Complexity: protocol.TierTrivial})

	// Assignment goes out over the sender with generation 1.
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	assign := e.sender.assigns()[0]
	if assign.agentID != "agent-1" {
		t.Fatalf("assigned to %q, want agent-1", assign.agentID)
	}
	if p := assign.msg.Assign; p.TaskID != task.ID || p.Generation != 1 {
		t.Fatalf("assign payload: %+v", p)
	}
	if assign.msg.Assign.Decision == nil || assign.msg.Assign.Decision.Target != protocol.TargetAgent {
		t.Fatalf("decision on assign: %+v", assign.msg.Assign.Decision)
	}

	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, task.ID, 1, "")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskWorking }, time.Second)

	e.sched.AgentEvent("agent-1", protocol.MsgCompleted, task.ID, 1, "merged")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskCompleted }, time.Second)

	got, _ := e.st.Get(context.Background(), task.ID)
	if got.Result != "merged" {
		t.Errorf("result = %q, want merged", got.Result)
	}

	// The agent is idle again and visible in the query surface.
	agents := e.sched.Agents()
	if len(agents) != 1 || agents[0].State != protocol.AgentIdle {
		t.Errorf("agents = %+v, want one idle", agents)
	}
}

func TestPriorityOrderAcrossLanes(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	low := protocol.PriorityLow
	urgent := protocol.PriorityUrgent
	lowTask := e.submit(t, store.SubmitParams{Description: "cleanup", Priority: &low})
	urgentTask := e.submit(t, store.SubmitParams{Description: "hotfix", Priority: &urgent})

	// One agent: the urgent task must win the only slot.
	e.sched.AgentConnected("agent-1", nil, "")
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	if got := e.sender.assigns()[0].msg.Assign.TaskID; got != urgentTask.ID {
		t.Fatalf("first assignment = %s, want urgent %s", got, urgentTask.ID)
	}

	// Completing it frees the agent for the low lane.
	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, urgentTask.ID, 1, "")
	e.sched.AgentEvent("agent-1", protocol.MsgCompleted, urgentTask.ID, 1, "ok")
	waitFor(t, func() bool { return len(e.sender.assigns()) == 2 }, time.Second)
	if got := e.sender.assigns()[1].msg.Assign.TaskID; got != lowTask.ID {
		t.Fatalf("second assignment = %s, want low %s", got, lowTask.ID)
	}
}

func TestUnmatchableUrgentDoesNotBlockNormal(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	urgent := protocol.PriorityUrgent
	blocked := e.submit(t, store.SubmitParams{
		Description: "needs gpu", Priority: &urgent, Capabilities: []string{"cuda"},
	})
	plain := e.submit(t, store.SubmitParams{Description: "routine"})

	// One generalist agent: the urgent task has no eligible agent, so the
	// same pass must hand the normal task over instead of stalling on lane
	// order.
	e.sched.AgentConnected("generalist", nil, "")
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	if got := e.sender.assigns()[0].msg.Assign.TaskID; got != plain.ID {
		t.Fatalf("assigned %s, want the matchable normal task %s", got, plain.ID)
	}
	if got := e.taskStatus(t, blocked.ID); got != protocol.TaskQueued {
		t.Fatalf("unmatchable urgent task status = %q, want queued", got)
	}
}

func TestCapabilityMatching(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	e.sched.AgentConnected("generalist", nil, "")
	task := e.submit(t, store.SubmitParams{Description: "gpu job", Capabilities: []string{"cuda"}})

	// No capable agent: the task stays queued and is audited as skipped.
	time.Sleep(50 * time.Millisecond)
	if got := e.taskStatus(t, task.ID); got != protocol.TaskQueued {
		t.Fatalf("status = %q, want queued while no capable agent", got)
	}

	e.sched.AgentConnected("gpu-agent", []string{"cuda", "go"}, "")
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	if got := e.sender.assigns()[0].agentID; got != "gpu-agent" {
		t.Fatalf("assigned to %q, want gpu-agent", got)
	}
}

func TestAcceptanceTimeoutReassigns(t *testing.T) {
	e := newEnv(t, Config{AcceptTimeout: 50 * time.Millisecond}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	task := e.submit(t, store.SubmitParams{Description: "t"})
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)

	// agent-1 never accepts: the window lapses, the task requeues, and the
	// agent is flagged unresponsive.
	waitFor(t, func() bool {
		a, err := e.sched.Agent("agent-1")
		return err == nil && a.Unresponsive
	}, time.Second)

	// A healthy agent picks it up with a bumped generation.
	e.sched.AgentConnected("agent-2", nil, "")
	waitFor(t, func() bool { return len(e.sender.assigns()) == 2 }, time.Second)
	second := e.sender.assigns()[1]
	if second.agentID != "agent-2" {
		t.Fatalf("reassigned to %q, want agent-2", second.agentID)
	}
	if second.msg.Assign.Generation != 2 {
		t.Fatalf("generation = %d, want 2", second.msg.Assign.Generation)
	}

	// The unresponsive agent's late acceptance is a stale no-op.
	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, task.ID, 1, "")
	e.sched.AgentEvent("agent-2", protocol.MsgAccepted, task.ID, 2, "")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskWorking }, time.Second)
	got, _ := e.st.Get(context.Background(), task.ID)
	if got.AgentID != "agent-2" || got.Generation != 2 {
		t.Fatalf("task after race: agent=%s gen=%d, want agent-2 gen 2", got.AgentID, got.Generation)
	}
}

func TestExpiryLosesRaceToAcceptance(t *testing.T) {
	e := newEnv(t, Config{AcceptTimeout: 250 * time.Millisecond}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	task := e.submit(t, store.SubmitParams{Description: "t"})
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)

	// Accept just inside the window. Even if the timer fires while the
	// acceptance is in flight, the agent machine serializes the two and the
	// acceptance wins.
	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, task.ID, 1, "")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskWorking }, time.Second)

	time.Sleep(400 * time.Millisecond) // let any pending timer fire
	if got := e.taskStatus(t, task.ID); got != protocol.TaskWorking {
		t.Fatalf("status = %q, want working after accepted assignment", got)
	}

	e.sched.AgentEvent("agent-1", protocol.MsgCompleted, task.ID, 1, "done")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskCompleted }, time.Second)
}

func TestDisconnectReclaimsHeldWork(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	task := e.submit(t, store.SubmitParams{Description: "t"})
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, task.ID, 1, "")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskWorking }, time.Second)

	e.sched.AgentDisconnected("agent-1")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskQueued }, time.Second)

	got, _ := e.st.Get(context.Background(), task.ID)
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 after disconnect reclaim", got.RetryCount)
	}
	if len(e.sched.Agents()) != 0 {
		t.Errorf("agents = %+v, want none", e.sched.Agents())
	}

	// A fresh agent picks the task up again.
	e.sched.AgentConnected("agent-2", nil, "")
	waitFor(t, func() bool { return len(e.sender.assigns()) == 2 }, time.Second)
	if got := e.sender.assigns()[1].agentID; got != "agent-2" {
		t.Fatalf("reassigned to %q, want agent-2", got)
	}
}

func TestFailureDeadLettersAtBudget(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	zero := 0
	task := e.submit(t, store.SubmitParams{Description: "doomed", MaxRetries: &zero})
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)

	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, task.ID, 1, "")
	e.sched.AgentEvent("agent-1", protocol.MsgFailed, task.ID, 1, "cannot build")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskDeadLetter }, time.Second)

	got, _ := e.st.Get(context.Background(), task.ID)
	if got.LastError != "cannot build" {
		t.Errorf("last_error = %q, want cannot build", got.LastError)
	}

	// Dead-lettered work is never reassigned.
	time.Sleep(50 * time.Millisecond)
	if len(e.sender.assigns()) != 1 {
		t.Errorf("assigns = %d, want 1", len(e.sender.assigns()))
	}
}

func TestDependencyChainScheduling(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	dep := e.submit(t, store.SubmitParams{Description: "build"})
	child := e.submit(t, store.SubmitParams{Description: "deploy", DependsOn: []string{dep.ID}})

	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	if got := e.sender.assigns()[0].msg.Assign.TaskID; got != dep.ID {
		t.Fatalf("first assignment = %s, want dependency %s", got, dep.ID)
	}

	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, dep.ID, 1, "")
	e.sched.AgentEvent("agent-1", protocol.MsgCompleted, dep.ID, 1, "built")

	// Completion triggers the pass that releases the child.
	waitFor(t, func() bool { return len(e.sender.assigns()) == 2 }, time.Second)
	if got := e.sender.assigns()[1].msg.Assign.TaskID; got != child.ID {
		t.Fatalf("second assignment = %s, want child %s", got, child.ID)
	}
}

func TestSendFailureReclaimsImmediately(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	e.sender.markDown("agent-1")
	task := e.submit(t, store.SubmitParams{Description: "t"})

	// The failed delivery unwinds the assignment without waiting out the
	// acceptance window.
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskQueued }, time.Second)
	waitFor(t, func() bool {
		a, err := e.sched.Agent("agent-1")
		return err == nil && a.State == protocol.AgentIdle
	}, time.Second)
}

func TestStuckSweepReclaims(t *testing.T) {
	e := newEnv(t, Config{
		SweepInterval:  20 * time.Millisecond,
		StuckThreshold: time.Minute,
	}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	task := e.submit(t, store.SubmitParams{Description: "t"})
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, task.ID, 1, "")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskWorking }, time.Second)

	// Freeze the world: the store clock jumps past the stuck threshold and
	// the next sweep reclaims and reassigns.
	e.clock.Advance(10 * time.Minute)
	waitFor(t, func() bool { return len(e.sender.assigns()) >= 2 }, time.Second)

	second := e.sender.assigns()[1]
	if second.msg.Assign.TaskID != task.ID {
		t.Fatalf("reassigned %s, want %s", second.msg.Assign.TaskID, task.ID)
	}
	if second.msg.Assign.Generation != 2 {
		t.Fatalf("generation = %d, want 2 after sweep reclaim", second.msg.Assign.Generation)
	}
}

func TestRoutingFallbackDegradesToCapabilityMatch(t *testing.T) {
	// Roster has no viable endpoints: standard-tier work still flows to a
	// capable agent under a fallback decision.
	e := newEnv(t, Config{}, []router.Endpoint{{Name: "down", Healthy: false}})

	e.sched.AgentConnected("agent-1", []string{"go"}, "")
	task := e.submit(t, store.SubmitParams{Description: "t", Complexity: protocol.TierStandard})

	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	d := e.sender.assigns()[0].msg.Assign.Decision
	if d == nil || !d.Fallback {
		t.Fatalf("decision = %+v, want fallback", d)
	}

	got, _ := e.st.Get(context.Background(), task.ID)
	if got.Decision == nil || !got.Decision.Fallback {
		t.Fatalf("persisted decision = %+v, want fallback", got.Decision)
	}
}

func TestEndpointColocationPreferred(t *testing.T) {
	endpoints := []router.Endpoint{{
		Name: "gpu-1", Host: "box-b", Healthy: true, Models: []string{"llama3"},
	}}
	e := newEnv(t, Config{}, endpoints)

	e.sched.AgentConnected("agent-a", nil, "box-a")
	e.sched.AgentConnected("agent-b", nil, "box-b")
	// Agents() round-trips through the event loop, so both connects are
	// processed before the submit below can trigger a pass.
	e.sched.Agents()
	e.submit(t, store.SubmitParams{Description: "t", Complexity: protocol.TierStandard})

	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	if got := e.sender.assigns()[0].agentID; got != "agent-b" {
		t.Fatalf("assigned to %q, want colocated agent-b", got)
	}
}

func TestDuplicateConnectReplacesInstance(t *testing.T) {
	e := newEnv(t, Config{}, nil)

	e.sched.AgentConnected("agent-1", []string{"go"}, "")
	task := e.submit(t, store.SubmitParams{Description: "t"})
	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, task.ID, 1, "")
	waitFor(t, func() bool { return e.taskStatus(t, task.ID) == protocol.TaskWorking }, time.Second)

	// The same id reconnects: the held task is reclaimed and reassigned to
	// the fresh instance.
	e.sched.AgentConnected("agent-1", []string{"go", "rust"}, "")
	waitFor(t, func() bool { return len(e.sender.assigns()) == 2 }, time.Second)
	second := e.sender.assigns()[1]
	if second.agentID != "agent-1" || second.msg.Assign.Generation != 2 {
		t.Fatalf("reassignment: %+v", second.msg.Assign)
	}

	agents := e.sched.Agents()
	if len(agents) != 1 || len(agents[0].Capabilities) != 2 {
		t.Fatalf("agents after reconnect: %+v", agents)
	}
}

func TestNoticePushNeverBlocks(t *testing.T) {
	// The loop reads agent snapshots synchronously during a pass, so an
	// instance handing over a notice must never wait on the loop. The queue
	// has to absorb an arbitrary burst with no consumer attached.
	q := noticeQueue{signal: make(chan struct{}, 1)}
	total := eventDepth * 2

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			q.push(agent.Notice{Type: agent.NoticeProgress, TaskID: strconv.Itoa(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked without a consumer")
	}

	got := q.drain()
	if len(got) != total {
		t.Fatalf("drained %d notices, want %d", len(got), total)
	}
	if got[0].TaskID != "0" || got[total-1].TaskID != strconv.Itoa(total-1) {
		t.Fatalf("notices out of order: first %s, last %s", got[0].TaskID, got[total-1].TaskID)
	}
	if len(q.drain()) != 0 {
		t.Fatal("second drain returned notices")
	}
}

func TestBlockedForeverSurfacedOnce(t *testing.T) {
	e := newEnv(t, Config{SweepInterval: 20 * time.Millisecond}, nil)

	e.sched.AgentConnected("agent-1", nil, "")
	zero := 0
	dep := e.submit(t, store.SubmitParams{Description: "dep", MaxRetries: &zero})
	child := e.submit(t, store.SubmitParams{Description: "child", DependsOn: []string{dep.ID}})

	waitFor(t, func() bool { return len(e.sender.assigns()) == 1 }, time.Second)
	e.sched.AgentEvent("agent-1", protocol.MsgAccepted, dep.ID, 1, "")
	e.sched.AgentEvent("agent-1", protocol.MsgFailed, dep.ID, 1, "broken")
	waitFor(t, func() bool { return e.taskStatus(t, dep.ID) == protocol.TaskDeadLetter }, time.Second)

	// Several sweeps pass; the child is audited as blocked forever exactly
	// once and never assigned.
	reader, err := eventlog.NewReader(e.dbPath)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	waitFor(t, func() bool {
		events, err := reader.Query(context.Background(), eventlog.QueryOpts{
			TaskID: child.ID, EventType: eventlog.TypeBlockedForever,
		})
		return err == nil && len(events) == 1
	}, time.Second)

	time.Sleep(100 * time.Millisecond)
	events, err := reader.Query(context.Background(), eventlog.QueryOpts{
		TaskID: child.ID, EventType: eventlog.TypeBlockedForever,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("blocked_forever audited %d times, want once", len(events))
	}
	if len(e.sender.assigns()) != 1 {
		t.Fatalf("child was assigned despite dead dependency")
	}
}
