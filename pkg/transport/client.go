package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"loom/pkg/protocol"
)

// requestTimeout bounds one admin round trip on the socket.
const requestTimeout = 10 * time.Second

// Client performs one-shot admin requests against a running coordinator.
// Each call opens a fresh connection, sends one message and reads one ACK.
type Client struct {
	socketPath string
}

// NewClient creates a Client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Submit creates a task and returns the stored record.
func (c *Client) Submit(p protocol.SubmitPayload) (*protocol.Task, error) {
	data, err := c.roundTrip(protocol.Message{Type: protocol.MsgSubmit, Submit: &p})
	if err != nil {
		return nil, err
	}
	var t protocol.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// Status returns aggregate coordinator counts.
func (c *Client) Status() (*protocol.StatusReport, error) {
	data, err := c.query(protocol.QueryStatus, "")
	if err != nil {
		return nil, err
	}
	var report protocol.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, nil
}

// Tasks lists every task.
func (c *Client) Tasks() ([]*protocol.Task, error) {
	data, err := c.query(protocol.QueryTasks, "")
	if err != nil {
		return nil, err
	}
	var tasks []*protocol.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

// Task fetches one task by id.
func (c *Client) Task(id string) (*protocol.Task, error) {
	data, err := c.query(protocol.QueryTasks, id)
	if err != nil {
		return nil, err
	}
	var t protocol.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// Agents lists every connected agent.
func (c *Client) Agents() ([]protocol.AgentSnapshot, error) {
	data, err := c.query(protocol.QueryAgents, "")
	if err != nil {
		return nil, err
	}
	var agents []protocol.AgentSnapshot
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return agents, nil
}

func (c *Client) query(kind, id string) (json.RawMessage, error) {
	return c.roundTrip(protocol.Message{Type: protocol.MsgQuery,
		Query: &protocol.QueryPayload{Kind: kind, ID: id}})
}

func (c *Client) roundTrip(msg protocol.Message) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s (is the coordinator running?): %w", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	if err := writeMessage(conn, msg); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ack: %w", err)
		}
		return nil, fmt.Errorf("connection closed before ack")
	}

	var reply protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	if reply.Type != protocol.MsgACK || reply.ACK == nil {
		return nil, fmt.Errorf("unexpected reply %s", reply.Type)
	}
	if !reply.ACK.OK {
		return nil, fmt.Errorf("coordinator: %s", reply.ACK.Detail)
	}
	return reply.ACK.Data, nil
}
