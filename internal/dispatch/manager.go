// ABOUTME: Agent Manager binding the agent registry to the task store.
// ABOUTME: Assigns pending work FIFO, watches liveness and timeouts, and reassigns on agent loss.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-orchestrator/internal/agent"
	"github.com/2389/coven-orchestrator/internal/task"
)

const tracerName = "github.com/2389/coven-orchestrator/internal/dispatch"

// ErrNotAssigned indicates an agent reported on a task it does not hold.
var ErrNotAssigned = errors.New("task is not assigned to this agent")

// ErrStopped indicates the manager has been stopped.
var ErrStopped = errors.New("dispatch manager stopped")

// Manager owns the agent registry and the task store and makes every
// assignment and recovery decision. Decisions are serialized by a single
// mutex so no two of them race for the same agent or task.
type Manager struct {
	cfg      Config
	registry *agent.Registry
	tasks    *task.Store
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	handoff  map[string]*time.Timer // taskID -> assignment handoff timer
	deadline map[string]*time.Timer // taskID -> overall task timer
	stopped  bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Manager. Zero config fields fall back to defaults.
func New(cfg Config, registry *agent.Registry, tasks *task.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		tasks:    tasks,
		logger:   logger.With("component", "dispatch"),
		tracer:   otel.Tracer(tracerName),
		handoff:  make(map[string]*time.Timer),
		deadline: make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start launches the liveness sweep. It returns immediately; the sweep runs
// until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.sweepLoop(ctx)
	})
}

// Stop halts the sweep and disarms every timer.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		m.stopped = true
		for id, t := range m.handoff {
			t.Stop()
			delete(m.handoff, id)
		}
		for id, t := range m.deadline {
			t.Stop()
			delete(m.deadline, id)
		}
		m.mu.Unlock()
	})
	m.wg.Wait()
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// sweep evicts every agent that missed its heartbeat window and reassigns
// what they held.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	expired := m.registry.Expired(m.cfg.HeartbeatTimeout)
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		m.logger.Warn("agent missed heartbeats",
			"agent_id", id,
			"timeout", m.cfg.HeartbeatTimeout,
		)
		m.evictLocked(ctx, id, "heartbeat timeout")
	}
	m.assignLocked(ctx)
}

// Register adds an agent and immediately offers it pending work.
func (m *Manager) Register(ctx context.Context, capability task.Capability, name string) (*agent.Agent, error) {
	a, err := m.registry.Register(capability, name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignLocked(ctx)

	return a, nil
}

// Heartbeat refreshes an agent's liveness.
func (m *Manager) Heartbeat(agentID string) error {
	return m.registry.Heartbeat(agentID)
}

// Deregister removes an agent; a task it held goes back to pending.
func (m *Manager) Deregister(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	final, err := m.registry.Deregister(agentID)
	if err != nil {
		return err
	}
	if final.TaskID != "" {
		m.recoverTaskLocked(ctx, final.TaskID, agentID, "agent deregistered")
	}
	m.assignLocked(ctx)
	return nil
}

// Connection returns the delivery queue for a live agent.
func (m *Manager) Connection(agentID string) (*agent.Connection, error) {
	return m.registry.Connection(agentID)
}

// PollTask hands a poll-based agent its next delivery, if any. Polling
// counts as a heartbeat.
func (m *Manager) PollTask(agentID string) (agent.Delivery, bool, error) {
	if err := m.registry.Heartbeat(agentID); err != nil {
		return agent.Delivery{}, false, err
	}
	conn, err := m.registry.Connection(agentID)
	if err != nil {
		return agent.Delivery{}, false, err
	}
	d, ok := conn.Poll()
	return d, ok, nil
}

// Submit records a pending task and runs an assignment pass. Submit succeeds
// even when no agent of the capability exists; the task waits.
func (m *Manager) Submit(ctx context.Context, conversationID string, capability task.Capability, input string) (*task.Task, error) {
	ctx, span := m.tracer.Start(ctx, "dispatch.Submit", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("task.capability", string(capability)),
	))
	defer span.End()

	t, err := m.tasks.Submit(conversationID, capability, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("task.id", t.ID))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	m.assignLocked(ctx)

	return t, nil
}

// ReportProgress records progress from the agent holding taskID. The first
// report on an assigned task acknowledges the handoff and moves it to
// running. Reports below the current progress are ignored. Reports count
// as heartbeats.
func (m *Manager) ReportProgress(ctx context.Context, agentID, taskID string, progress int, partial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.registry.Heartbeat(agentID); err != nil {
		return err
	}
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.AssignedAgentID != agentID {
		return fmt.Errorf("%w: %s does not hold %s", ErrNotAssigned, agentID, taskID)
	}

	if t.State == task.StateAssigned {
		if err := m.tasks.MarkRunning(taskID); err != nil {
			return err
		}
		m.stopTimer(m.handoff, taskID)
		m.deadline[taskID] = time.AfterFunc(m.cfg.TaskTimeout, func() {
			m.onTaskTimeout(taskID, agentID)
		})
		m.logger.Debug("task handoff acknowledged", "task_id", taskID, "agent_id", agentID)
	}

	// An agent that picked up a requeued task restarts its count below the
	// kept high-water mark. Its reports are dropped, not refused, so it can
	// carry on to a result.
	err = m.tasks.UpdateProgress(taskID, progress, partial)
	if errors.Is(err, task.ErrProgressBehind) {
		m.logger.Debug("ignoring progress below high-water mark",
			"task_id", taskID, "agent_id", agentID, "progress", progress)
		return nil
	}
	return err
}

// SubmitResult records the outcome reported by the agent holding taskID.
// taskErr nil means success with result. Resubmitting the same outcome is a
// no-op; a result for a task cancelled meanwhile is dropped.
func (m *Manager) SubmitResult(ctx context.Context, agentID, taskID, result string, taskErr *task.Error) error {
	ctx, span := m.tracer.Start(ctx, "dispatch.SubmitResult", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("task.id", taskID),
		attribute.Bool("task.failed", taskErr != nil),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.registry.Heartbeat(agentID); err != nil {
		span.RecordError(err)
		return err
	}
	t, err := m.tasks.Get(taskID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if t.AssignedAgentID != agentID {
		return fmt.Errorf("%w: %s does not hold %s", ErrNotAssigned, agentID, taskID)
	}
	if t.State == task.StateCancelled {
		m.logger.Info("dropping result for cancelled task", "task_id", taskID, "agent_id", agentID)
		return nil
	}

	if taskErr != nil {
		e := *taskErr
		if e.Kind == "" {
			e.Kind = task.KindAgentError
		}
		err = m.tasks.Fail(taskID, &e)
	} else {
		err = m.tasks.Complete(taskID, result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// A repeated submission must not touch the agent, which may already be
	// working on something else.
	if t.State.Active() {
		m.stopTimers(taskID)
		if err := m.registry.MarkIdle(agentID); err != nil {
			m.logger.Error("releasing agent after completion", "agent_id", agentID, "error", err)
		}
		m.assignLocked(ctx)
	}
	return nil
}

// Cancel cancels a task. A holding agent is told to stop (best effort) and
// returned to the idle pool.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, err := m.tasks.Cancel(taskID)
	if err != nil {
		return err
	}
	m.stopTimers(taskID)
	if holder == "" {
		return nil
	}

	if conn, err := m.registry.Connection(holder); err == nil {
		if err := conn.Deliver(agent.Delivery{Kind: agent.DeliveryCancel, TaskID: taskID}); err != nil {
			m.logger.Warn("cancel notice not delivered", "task_id", taskID, "agent_id", holder, "error", err)
		}
	}
	if err := m.registry.MarkIdle(holder); err != nil {
		m.logger.Warn("releasing agent after cancel", "agent_id", holder, "error", err)
	}
	m.assignLocked(ctx)
	return nil
}

// Get returns a task snapshot.
func (m *Manager) Get(taskID string) (*task.Task, error) {
	return m.tasks.Get(taskID)
}

// Subscribe streams a task's events; see task.Store.Subscribe.
func (m *Manager) Subscribe(ctx context.Context, taskID string) (*task.Subscription, error) {
	return m.tasks.Subscribe(ctx, taskID)
}

// ListTasks returns every task in submission order.
func (m *Manager) ListTasks() []*task.Task {
	return m.tasks.List()
}

// ListAgents returns every registered agent.
func (m *Manager) ListAgents() []*agent.Agent {
	return m.registry.List()
}

// assignLocked pairs pending tasks, oldest first, with idle agents of the
// matching capability. A task with no idle agent stays pending and the pass
// moves on to the next one. Must be called with mu held.
func (m *Manager) assignLocked(ctx context.Context) {
	if m.stopped {
		return
	}
	// A failed delivery requeues its task, so run passes until one
	// completes without requeueing anything.
	for m.assignPassLocked(ctx) {
	}
}

func (m *Manager) assignPassLocked(ctx context.Context) bool {
	requeued := false
	for _, t := range m.tasks.Pending() {
		idle := m.registry.ListIdleByCapability(t.Capability)
		if len(idle) == 0 {
			m.logger.Debug("no idle agent for task", "task_id", t.ID, "capability", t.Capability)
			continue
		}
		if !m.assignOneLocked(ctx, t, idle[0]) {
			requeued = true
		}
	}
	return requeued
}

// assignOneLocked hands t to agentID. It reports false when delivery failed
// and the task went back to pending.
func (m *Manager) assignOneLocked(ctx context.Context, t *task.Task, agentID string) bool {
	_, span := m.tracer.Start(ctx, "dispatch.assign", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("agent.id", agentID),
		attribute.String("task.capability", string(t.Capability)),
		attribute.Int("task.retries", t.Retries),
	))
	defer span.End()

	if err := m.registry.MarkBusy(agentID, t.ID); err != nil {
		m.logger.Error("agent not assignable", "agent_id", agentID, "error", err)
		span.RecordError(err)
		return true
	}
	if err := m.tasks.MarkAssigned(t.ID, agentID); err != nil {
		span.RecordError(err)
		_ = m.registry.MarkIdle(agentID)
		return true
	}

	m.logger.Info("task assigned",
		"task_id", t.ID,
		"agent_id", agentID,
		"capability", t.Capability,
		"retries", t.Retries,
	)

	conn, err := m.registry.Connection(agentID)
	if err == nil {
		err = conn.Deliver(agent.Delivery{
			Kind:       agent.DeliveryAssign,
			TaskID:     t.ID,
			Capability: t.Capability,
			Input:      t.Input,
		})
	}
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("task delivery failed", "task_id", t.ID, "agent_id", agentID, "error", err)
		m.evictLocked(ctx, agentID, "delivery failed: "+err.Error())
		return false
	}

	taskID := t.ID
	m.handoff[taskID] = time.AfterFunc(m.cfg.AssignmentTimeout, func() {
		m.onHandoffTimeout(taskID, agentID)
	})
	return true
}

func (m *Manager) onHandoffTimeout(taskID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	delete(m.handoff, taskID)

	t, err := m.tasks.Get(taskID)
	if err != nil || t.State != task.StateAssigned || t.AssignedAgentID != agentID {
		return
	}

	m.logger.Warn("assignment handoff timed out",
		"task_id", taskID,
		"agent_id", agentID,
		"timeout", m.cfg.AssignmentTimeout,
		"kind", task.KindAssignmentHandoffTimeout,
	)
	ctx := context.Background()
	m.evictLocked(ctx, agentID, string(task.KindAssignmentHandoffTimeout))
	m.assignLocked(ctx)
}

func (m *Manager) onTaskTimeout(taskID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	delete(m.deadline, taskID)

	t, err := m.tasks.Get(taskID)
	if err != nil || t.State != task.StateRunning || t.AssignedAgentID != agentID {
		return
	}

	err = m.tasks.Fail(taskID, &task.Error{
		Kind:    task.KindTaskTimeout,
		Message: fmt.Sprintf("%s task did not finish within %s", t.Capability, m.cfg.TaskTimeout),
	})
	if err != nil {
		m.logger.Error("failing timed out task", "task_id", taskID, "error", err)
	}
	m.stopTimers(taskID)

	// The worker may be hung; do not hand it more work.
	ctx := context.Background()
	m.evictLocked(ctx, agentID, string(task.KindTaskTimeout))
	m.assignLocked(ctx)
}

// evictLocked marks an agent unresponsive, recovers the task it held, and
// removes it. Must be called with mu held.
func (m *Manager) evictLocked(ctx context.Context, agentID, cause string) {
	snap, err := m.registry.MarkUnresponsive(agentID)
	if err != nil {
		return
	}
	if snap.TaskID != "" {
		m.recoverTaskLocked(ctx, snap.TaskID, agentID, cause)
	}
	m.registry.Remove(agentID)
}

// recoverTaskLocked requeues a task whose agent was lost, or fails it with
// AgentUnavailable once the loss count reaches MaxRetries.
func (m *Manager) recoverTaskLocked(ctx context.Context, taskID, agentID, cause string) {
	_, span := m.tracer.Start(ctx, "dispatch.recover", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("agent.id", agentID),
		attribute.String("cause", cause),
	))
	defer span.End()

	m.stopTimers(taskID)

	t, err := m.tasks.Get(taskID)
	if err != nil || !t.State.Active() || t.AssignedAgentID != agentID {
		return
	}

	losses := t.Retries + 1
	if losses >= m.cfg.MaxRetries {
		err := m.tasks.Fail(taskID, &task.Error{
			Kind: task.KindAgentUnavailable,
			Message: fmt.Sprintf("no %s agent could finish the task after %d attempts (last: %s)",
				t.Capability, losses, cause),
		})
		if err != nil {
			m.logger.Error("failing task after retries", "task_id", taskID, "error", err)
		}
		return
	}

	if _, err := m.tasks.Requeue(taskID); err != nil {
		m.logger.Error("requeueing task", "task_id", taskID, "error", err)
	}
}

func (m *Manager) stopTimers(taskID string) {
	m.stopTimer(m.handoff, taskID)
	m.stopTimer(m.deadline, taskID)
}

func (m *Manager) stopTimer(timers map[string]*time.Timer, taskID string) {
	if t, ok := timers[taskID]; ok {
		t.Stop()
		delete(timers, taskID)
	}
}
