// Package transport serves the coordinator's Unix domain socket. Agents
// hold one persistent connection each, registered with a HELLO and carrying
// newline-delimited JSON messages both ways; the CLI uses short-lived
// connections that send a single SUBMIT or QUERY and read one ACK.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"loom/pkg/protocol"
	"loom/pkg/store"
)

// maxLineBytes bounds a single NDJSON line. Task descriptions and results
// ride inside messages, so the limit is generous.
const maxLineBytes = 1 << 20

// Coordinator is the scheduler surface the transport drives.
type Coordinator interface {
	Submit(ctx context.Context, p store.SubmitParams) (*protocol.Task, error)
	AgentConnected(id string, caps []string, host string)
	AgentDisconnected(id string)
	AgentEvent(agentID string, msgType protocol.MessageType, taskID string, generation int, detail string)
	Tasks(ctx context.Context) ([]*protocol.Task, error)
	Task(ctx context.Context, id string) (*protocol.Task, error)
	Agents() []protocol.AgentSnapshot
	Agent(id string) (protocol.AgentSnapshot, error)
}

// Server accepts connections on the coordinator socket and bridges them to
// the scheduler. It also implements the scheduler's Sender: ASSIGN messages
// go out over the agent's registered connection.
type Server struct {
	sched  Coordinator
	logger *slog.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn // agent id -> live connection
}

// New creates a Server over sched.
func New(sched Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sched:  sched,
		logger: logger,
		conns:  make(map[string]net.Conn),
	}
}

// Listen binds the Unix socket, replacing a stale file from an unclean
// shutdown.
func (s *Server) Listen(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is cancelled. Each connection gets
// its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Send delivers a message to a registered agent. It satisfies the
// scheduler's Sender interface.
func (s *Server) Send(agentID string, msg protocol.Message) error {
	s.mu.Lock()
	conn, ok := s.conns[agentID]
	s.mu.Unlock()
	if !ok {
		return &protocol.AgentUnreachableError{AgentID: agentID, Reason: "not connected"}
	}
	if err := writeMessage(conn, msg); err != nil {
		return &protocol.AgentUnreachableError{AgentID: agentID, Reason: err.Error()}
	}
	return nil
}

// handleConn reads the first message to classify the connection: HELLO
// starts an agent session, SUBMIT and QUERY are one-shot admin requests.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	if !scanner.Scan() {
		return
	}
	var msg protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
		s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: "malformed message"})
		return
	}

	switch msg.Type {
	case protocol.MsgHello:
		s.agentSession(conn, scanner, msg)
	case protocol.MsgSubmit:
		s.handleSubmit(ctx, conn, msg)
	case protocol.MsgQuery:
		s.handleQuery(ctx, conn, msg)
	default:
		s.writeACK(conn, protocol.ACKPayload{OK: false,
			Detail: fmt.Sprintf("unexpected first message %s", msg.Type)})
	}
}

// agentSession owns one agent connection from HELLO to disconnect. The
// connection closing is the disconnect signal; there is no explicit BYE.
func (s *Server) agentSession(conn net.Conn, scanner *bufio.Scanner, hello protocol.Message) {
	if hello.Hello == nil || hello.Hello.AgentID == "" {
		s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: "hello missing agent_id"})
		return
	}
	id := hello.Hello.AgentID

	s.mu.Lock()
	if old, ok := s.conns[id]; ok {
		// A reconnect while the old link lingers: drop the old one. The
		// scheduler handles the duplicate connect as disconnect-then-connect.
		old.Close()
	}
	s.conns[id] = conn
	s.mu.Unlock()

	s.sched.AgentConnected(id, hello.Hello.Capabilities, hello.Hello.Host)
	s.logger.Info("agent session started", "agent", id)

	defer func() {
		s.mu.Lock()
		if s.conns[id] == conn {
			delete(s.conns, id)
		}
		s.mu.Unlock()
		s.sched.AgentDisconnected(id)
		s.logger.Info("agent session ended", "agent", id)
	}()

	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("malformed agent message dropped", "agent", id, "err", err)
			continue
		}
		s.forward(id, msg)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("agent read ended", "agent", id, "err", err)
	}
}

// forward flattens a lifecycle message into a scheduler event. The payload
// agent id is ignored in favor of the session's: the connection is the
// identity.
func (s *Server) forward(agentID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgAccepted:
		if p := msg.Accepted; p != nil {
			s.sched.AgentEvent(agentID, msg.Type, p.TaskID, p.Generation, "")
		}
	case protocol.MsgProgress:
		if p := msg.Progress; p != nil {
			s.sched.AgentEvent(agentID, msg.Type, p.TaskID, p.Generation, p.Note)
		}
	case protocol.MsgCompleted:
		if p := msg.Completed; p != nil {
			s.sched.AgentEvent(agentID, msg.Type, p.TaskID, p.Generation, p.Result)
		}
	case protocol.MsgFailed:
		if p := msg.Failed; p != nil {
			s.sched.AgentEvent(agentID, msg.Type, p.TaskID, p.Generation, p.Error)
		}
	case protocol.MsgBlocked:
		if p := msg.Blocked; p != nil {
			s.sched.AgentEvent(agentID, msg.Type, p.TaskID, p.Generation, p.Reason)
		}
	case protocol.MsgUnblocked:
		if p := msg.Unblocked; p != nil {
			s.sched.AgentEvent(agentID, msg.Type, p.TaskID, p.Generation, "")
		}
	default:
		s.logger.Warn("unexpected message on agent session", "agent", agentID, "type", msg.Type)
	}
}

// --- Admin requests ---

func (s *Server) handleSubmit(ctx context.Context, conn net.Conn, msg protocol.Message) {
	p := msg.Submit
	if p == nil {
		s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: "submit missing payload"})
		return
	}
	params := store.SubmitParams{
		Description:  p.Description,
		Complexity:   p.Complexity,
		Model:        p.Model,
		Capabilities: p.Capabilities,
		DependsOn:    p.DependsOn,
		Workspace:    p.Workspace,
	}
	if p.Priority != nil {
		params.Priority = p.Priority
	}
	if p.MaxRetries != nil {
		params.MaxRetries = p.MaxRetries
	}

	t, err := s.sched.Submit(ctx, params)
	if err != nil {
		s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: err.Error()})
		return
	}
	s.ackData(conn, t)
}

func (s *Server) handleQuery(ctx context.Context, conn net.Conn, msg protocol.Message) {
	q := msg.Query
	if q == nil {
		s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: "query missing payload"})
		return
	}

	switch q.Kind {
	case protocol.QueryStatus:
		tasks, err := s.sched.Tasks(ctx)
		if err != nil {
			s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: err.Error()})
			return
		}
		report := protocol.StatusReport{Tasks: make(map[protocol.TaskStatus]int)}
		for _, t := range tasks {
			report.Tasks[t.Status]++
		}
		for _, a := range s.sched.Agents() {
			report.Agents++
			if a.State == protocol.AgentIdle {
				report.IdleAgents++
			}
			if a.Unresponsive {
				report.Unresponsive++
			}
		}
		s.ackData(conn, report)

	case protocol.QueryTasks:
		if q.ID != "" {
			t, err := s.sched.Task(ctx, q.ID)
			if err != nil {
				s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: err.Error()})
				return
			}
			s.ackData(conn, t)
			return
		}
		tasks, err := s.sched.Tasks(ctx)
		if err != nil {
			s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: err.Error()})
			return
		}
		s.ackData(conn, tasks)

	case protocol.QueryAgents:
		if q.ID != "" {
			a, err := s.sched.Agent(q.ID)
			if err != nil {
				s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: err.Error()})
				return
			}
			s.ackData(conn, a)
			return
		}
		s.ackData(conn, s.sched.Agents())

	default:
		s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: fmt.Sprintf("unknown query kind %q", q.Kind)})
	}
}

func (s *Server) ackData(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeACK(conn, protocol.ACKPayload{OK: false, Detail: err.Error()})
		return
	}
	s.writeACK(conn, protocol.ACKPayload{OK: true, Data: data})
}

func (s *Server) writeACK(conn net.Conn, ack protocol.ACKPayload) {
	msg := protocol.Message{Type: protocol.MsgACK, ACK: &ack}
	if err := writeMessage(conn, msg); err != nil {
		s.logger.Debug("ack write failed", "err", err)
	}
}

func writeMessage(conn net.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
