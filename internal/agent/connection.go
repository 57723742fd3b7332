// ABOUTME: Per-agent delivery queue carrying task assignments and cancel notices.
// ABOUTME: Drained by the agent's AssignTask stream or by explicit polling.

package agent

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-orchestrator/internal/task"
)

// ErrConnectionClosed indicates the agent was evicted or deregistered.
var ErrConnectionClosed = errors.New("agent connection closed")

// ErrQueueFull indicates the agent has not drained its delivery queue.
var ErrQueueFull = errors.New("agent delivery queue full")

// DeliveryKind distinguishes assignments from cancel notices.
type DeliveryKind string

const (
	DeliveryAssign DeliveryKind = "assign"
	DeliveryCancel DeliveryKind = "cancel"
)

// Delivery is a message queued for an agent.
type Delivery struct {
	Kind       DeliveryKind    `json:"kind"`
	TaskID     string          `json:"task_id"`
	Capability task.Capability `json:"capability,omitempty"`
	Input      string          `json:"input,omitempty"`
}

// Connection is the outbound side of an agent: everything the manager wants
// the agent to know is queued here until the agent picks it up.
type Connection struct {
	AgentID string

	queue     chan Delivery
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewConnection creates a Connection whose queue holds up to size deliveries.
func NewConnection(agentID string, size int, logger *slog.Logger) *Connection {
	if size <= 0 {
		size = 8
	}
	return &Connection{
		AgentID: agentID,
		queue:   make(chan Delivery, size),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Deliver queues d without blocking.
func (c *Connection) Deliver(d Delivery) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.queue <- d:
		c.logger.Debug("delivery queued",
			"agent_id", c.AgentID,
			"kind", d.Kind,
			"task_id", d.TaskID,
		)
		return nil
	default:
		c.logger.Warn("delivery queue full, dropping",
			"agent_id", c.AgentID,
			"kind", d.Kind,
			"task_id", d.TaskID,
		)
		return ErrQueueFull
	}
}

// Deliveries returns the queue for streaming consumers.
func (c *Connection) Deliveries() <-chan Delivery {
	return c.queue
}

// Poll returns the next queued delivery, if any, without blocking.
func (c *Connection) Poll() (Delivery, bool) {
	select {
	case d := <-c.queue:
		return d, true
	default:
		return Delivery{}, false
	}
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Safe to call multiple times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
