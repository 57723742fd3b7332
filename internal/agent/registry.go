// ABOUTME: In-memory directory of registered agents, their capability, and liveness state.
// ABOUTME: Single writer per record; the dispatcher drives every busy/idle transition.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-orchestrator/internal/task"
)

// ErrUnknownAgent indicates the agent never registered or was evicted.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrDuplicateCapability indicates another live agent already serves the
// capability while single-instance mode is on.
var ErrDuplicateCapability = errors.New("capability already served by another agent")

// ErrAgentNotIdle indicates an assignment was attempted on a busy agent.
var ErrAgentNotIdle = errors.New("agent is not idle")

// State is an agent's liveness and load state.
type State string

const (
	StateRegistered   State = "registered"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateUnresponsive State = "unresponsive"
	StateDeregistered State = "deregistered"
)

// Agent is a snapshot of a registered worker.
type Agent struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Capability     task.Capability `json:"capability"`
	State          State           `json:"state"`
	TaskID         string          `json:"task_id,omitempty"`
	RegisteredAt   time.Time       `json:"registered_at"`
	LastHeartbeat  time.Time       `json:"last_heartbeat_at"`
	LastAssignedAt time.Time       `json:"last_assigned_at,omitzero"`
}

type entry struct {
	agent Agent
	conn  *Connection
	order uint64
}

// Options configures a Registry.
type Options struct {
	// SingleInstancePerCapability rejects a second live agent for a capability.
	SingleInstancePerCapability bool
	// QueueSize bounds each agent's delivery queue.
	QueueSize int
	Logger    *slog.Logger
}

// Registry tracks agents for the lifetime of the process.
type Registry struct {
	mu             sync.RWMutex
	agents         map[string]*entry
	order          uint64
	singleInstance bool
	queueSize      int
	now            func() time.Time
	logger         *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:         make(map[string]*entry),
		singleInstance: opts.SingleInstancePerCapability,
		queueSize:      opts.QueueSize,
		now:            time.Now,
		logger:         logger.With("component", "agent-registry"),
	}
}

// Register adds an agent serving capability and returns it in the idle state.
func (r *Registry) Register(capability task.Capability, name string) (*Agent, error) {
	if !capability.Valid() {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownCapability, capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.singleInstance {
		for _, e := range r.agents {
			if e.agent.Capability == capability && e.agent.State != StateUnresponsive {
				return nil, fmt.Errorf("%w: %s held by %s", ErrDuplicateCapability, capability, e.agent.ID)
			}
		}
	}

	now := r.now()
	id := uuid.New().String()
	if name == "" {
		name = string(capability) + "-" + id[:8]
	}
	r.order++
	e := &entry{
		agent: Agent{
			ID:            id,
			Name:          name,
			Capability:    capability,
			State:         StateRegistered,
			RegisteredAt:  now,
			LastHeartbeat: now,
		},
		conn:  NewConnection(id, r.queueSize, r.logger),
		order: r.order,
	}
	r.agents[id] = e

	// Registration completes immediately; a fresh agent holds no work.
	e.agent.State = StateIdle

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", id,
		"name", name,
		"capability", capability,
		"total_agents", len(r.agents),
	)
	snapshot := e.agent
	return &snapshot, nil
}

// Heartbeat records liveness for id.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	e.agent.LastHeartbeat = r.now()
	return nil
}

// Deregister removes the agent and returns its final snapshot. TaskID in the
// snapshot names the task it was holding, if any, so the caller can requeue
// it.
func (r *Registry) Deregister(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return nil, err
	}
	delete(r.agents, id)
	e.conn.Close()
	e.agent.State = StateDeregistered

	r.logger.Info("=== AGENT DEREGISTERED ===",
		"agent_id", id,
		"name", e.agent.Name,
		"held_task", e.agent.TaskID,
		"total_agents", len(r.agents),
	)
	snapshot := e.agent
	return &snapshot, nil
}

// ListIdleByCapability returns the IDs of idle agents serving capability,
// least recently assigned first.
func (r *Registry) ListIdleByCapability(capability task.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*entry
	for _, e := range r.agents {
		if e.agent.Capability == capability && e.agent.State == StateIdle {
			idle = append(idle, e)
		}
	}
	rankIdle(idle)

	ids := make([]string, len(idle))
	for i, e := range idle {
		ids[i] = e.agent.ID
	}
	return ids
}

// MarkBusy records that id now holds taskID.
func (r *Registry) MarkBusy(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	if e.agent.State != StateIdle {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotIdle, id, e.agent.State)
	}
	e.agent.State = StateBusy
	e.agent.TaskID = taskID
	e.agent.LastAssignedAt = r.now()
	return nil
}

// MarkIdle releases the agent's task.
func (r *Registry) MarkIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	e.agent.State = StateIdle
	e.agent.TaskID = ""
	return nil
}

// MarkUnresponsive flags the agent as unresponsive and detaches its task. The
// returned snapshot carries the detached TaskID. The agent stays listed until
// Remove is called.
func (r *Registry) MarkUnresponsive(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return nil, err
	}
	snapshot := e.agent
	e.agent.State = StateUnresponsive
	e.agent.TaskID = ""
	snapshot.State = StateUnresponsive

	r.logger.Warn("agent unresponsive",
		"agent_id", id,
		"name", e.agent.Name,
		"last_heartbeat", e.agent.LastHeartbeat,
		"held_task", snapshot.TaskID,
	)
	return &snapshot, nil
}

// Remove deletes an agent and closes its connection.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return
	}
	delete(r.agents, id)
	e.conn.Close()
	r.logger.Info("=== AGENT EVICTED ===",
		"agent_id", id,
		"name", e.agent.Name,
		"total_agents", len(r.agents),
	)
}

// Expired returns live agents whose last heartbeat is older than timeout.
func (r *Registry) Expired(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var ids []string
	for id, e := range r.agents {
		if e.agent.State == StateUnresponsive {
			continue
		}
		if now.Sub(e.agent.LastHeartbeat) > timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Get returns a snapshot of the agent.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	snapshot := e.agent
	return &snapshot, nil
}

// Connection returns the delivery queue of a live agent.
func (r *Registry) Connection(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return nil, err
	}
	return e.conn, nil
}

// List returns snapshots of all agents in registration order.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	out := make([]*Agent, len(entries))
	for i, e := range entries {
		snapshot := e.agent
		out[i] = &snapshot
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// liveLocked returns the entry for id unless it is missing or already
// unresponsive. Must be called with mu held.
func (r *Registry) liveLocked(id string) (*entry, error) {
	e, ok := r.agents[id]
	if !ok || e.agent.State == StateUnresponsive {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return e, nil
}
