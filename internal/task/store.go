// ABOUTME: In-memory authoritative record of every task and its lifecycle
// ABOUTME: Enforces transition edges, monotonic progress, and idempotent completion

package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store holds every task for the lifetime of the process. All methods are
// safe for concurrent use and each either fully applies or returns an error.
type Store struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	seq    uint64
	events *broadcaster
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates an empty Store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "task-store")
	return &Store{
		tasks:  make(map[string]*Task),
		events: newBroadcaster(logger),
		now:    time.Now,
		logger: logger,
	}
}

// Submit creates a Pending task.
func (s *Store) Submit(conversationID string, capability Capability, input string) (*Task, error) {
	if !capability.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.seq++
	t := &Task{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Capability:     capability,
		Input:          input,
		State:          StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
		seq:            s.seq,
	}
	s.tasks[t.ID] = t

	s.logger.Info("task submitted",
		"task_id", t.ID,
		"conversation_id", conversationID,
		"capability", capability,
	)
	return t.clone(), nil
}

// MarkAssigned moves a Pending task to Assigned for agentID.
func (s *Store) MarkAssigned(id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.State != StatePending {
		return s.invalid(t, StateAssigned)
	}
	t.State = StateAssigned
	t.AssignedAgentID = agentID
	s.touchLocked(t, "")
	return nil
}

// MarkRunning moves an Assigned task to Running.
func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.State != StateAssigned {
		return s.invalid(t, StateRunning)
	}
	t.State = StateRunning
	s.touchLocked(t, "")
	return nil
}

// UpdateProgress records progress for a Running task. Updates that arrive
// while the task is not running, or that would move progress backwards, are
// logged and rejected with ErrProgressRejected without changing the task.
// partial carries incremental output text and may be empty.
func (s *Store) UpdateProgress(id string, progress int, partial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.State != StateRunning {
		s.logger.Warn("progress rejected: task not running",
			"task_id", id, "state", t.State, "progress", progress)
		return fmt.Errorf("%w: task is %s", ErrProgressRejected, t.State)
	}
	if progress < t.Progress {
		s.logger.Warn("progress rejected: out of order",
			"task_id", id, "current", t.Progress, "progress", progress)
		return fmt.Errorf("%w: %d < %d", ErrProgressBehind, progress, t.Progress)
	}
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
	s.touchLocked(t, partial)
	return nil
}

// Complete marks the task Succeeded with result. Completing again with the
// same result is a no-op; any other outcome returns ErrDoubleCompletion.
func (s *Store) Complete(id, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		if t.State == StateSucceeded && t.Result == result {
			return nil
		}
		return s.double(t, StateSucceeded)
	}
	if !t.State.Active() {
		return s.invalid(t, StateSucceeded)
	}
	t.State = StateSucceeded
	t.Result = result
	t.Progress = 100
	s.touchLocked(t, "")
	s.logger.Info("task succeeded", "task_id", id, "agent_id", t.AssignedAgentID)
	return nil
}

// Fail marks the task Failed with taskErr. Failing again with the same error
// is a no-op; any other outcome returns ErrDoubleCompletion.
func (s *Store) Fail(id string, taskErr *Error) error {
	if taskErr == nil {
		return fmt.Errorf("fail %s: error is required", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		if t.State == StateFailed && t.Err != nil && *t.Err == *taskErr {
			return nil
		}
		return s.double(t, StateFailed)
	}
	if !t.State.Active() {
		return s.invalid(t, StateFailed)
	}
	e := *taskErr
	t.State = StateFailed
	t.Err = &e
	s.touchLocked(t, "")
	s.logger.Warn("task failed",
		"task_id", id,
		"agent_id", t.AssignedAgentID,
		"kind", e.Kind,
		"message", e.Message,
	)
	return nil
}

// Cancel moves a non-terminal task to Cancelled and returns the ID of the
// agent that held it, if any. Cancelling an already cancelled task is a
// no-op.
func (s *Store) Cancel(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return "", err
	}
	if t.State == StateCancelled {
		return "", nil
	}
	if t.State.Terminal() {
		return "", s.invalid(t, StateCancelled)
	}

	var holder string
	if t.State.Active() {
		holder = t.AssignedAgentID
	}
	t.State = StateCancelled
	s.touchLocked(t, "")
	s.logger.Info("task cancelled", "task_id", id, "agent_id", holder)
	return holder, nil
}

// Requeue returns an Assigned or Running task to Pending after its agent was
// lost, incrementing the retry counter. Progress keeps its high-water mark.
func (s *Store) Requeue(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if !t.State.Active() {
		return nil, s.invalid(t, StatePending)
	}
	prev := t.AssignedAgentID
	t.State = StatePending
	t.AssignedAgentID = ""
	t.Retries++
	s.touchLocked(t, "")
	s.logger.Info("task requeued", "task_id", id, "lost_agent_id", prev, "retries", t.Retries)
	return t.clone(), nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// List returns copies of all tasks in submission order.
func (s *Store) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(*Task) bool { return true })
}

// Pending returns copies of all Pending tasks, oldest first.
func (s *Store) Pending() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(t *Task) bool { return t.State == StatePending })
}

// Subscribe returns the task's event sequence. The first event is a snapshot
// of the current state, so no separate Get is needed to close the race with
// concurrent updates. If the task is already terminal the snapshot is the
// only event.
func (s *Store) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	// Holding the read lock keeps writers, which publish under the write
	// lock, out until the subscriber is registered.
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	snapshot := eventFor(t, "")
	return s.events.subscribe(ctx, id, &snapshot), nil
}

func (s *Store) getLocked(id string) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

func (s *Store) sortedLocked(keep func(*Task) bool) []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// touchLocked stamps the task and publishes its new state.
func (s *Store) touchLocked(t *Task, partial string) {
	t.UpdatedAt = s.now()
	s.events.publish(eventFor(t, partial))
}

func (s *Store) invalid(t *Task, to State) error {
	s.logger.Error("invalid task transition",
		"task_id", t.ID, "from", t.State, "to", to)
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
}

func (s *Store) double(t *Task, to State) error {
	s.logger.Error("double completion",
		"task_id", t.ID, "state", t.State, "attempted", to)
	return fmt.Errorf("%w: task %s is already %s", ErrDoubleCompletion, t.ID, t.State)
}
