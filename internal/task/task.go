// ABOUTME: Task record types: capabilities, lifecycle states, and error kinds
// ABOUTME: Shared vocabulary between the dispatcher, agents, and the chat layer

package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound indicates no task exists with the given ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates the requested state change is not an
	// edge of the task lifecycle.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrDoubleCompletion indicates a terminal task was completed again with a
	// different outcome.
	ErrDoubleCompletion = errors.New("task already completed with a different outcome")

	// ErrProgressRejected indicates a progress update was out of order or
	// arrived while the task was not running.
	ErrProgressRejected = errors.New("progress update rejected")

	// ErrProgressBehind indicates a progress update below the task's current
	// value. It wraps ErrProgressRejected.
	ErrProgressBehind = fmt.Errorf("%w: below current progress", ErrProgressRejected)

	// ErrUnknownCapability indicates a capability tag outside the closed set.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Capability is the task-type tag an agent serves.
type Capability string

const (
	CapabilityTranscription Capability = "transcription"
	CapabilityVision        Capability = "vision"
	CapabilityGeneration    Capability = "generation"
)

// Capabilities lists every capability in chat priority order.
var Capabilities = []Capability{
	CapabilityTranscription,
	CapabilityVision,
	CapabilityGeneration,
}

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityTranscription, CapabilityVision, CapabilityGeneration:
		return true
	}
	return false
}

// ParseCapability normalizes s and checks it against the known set.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return c, nil
}

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Active reports whether the task is held by an agent.
func (s State) Active() bool {
	return s == StateAssigned || s == StateRunning
}

// Kind classifies a task failure.
type Kind string

const (
	KindUnknownAgent             Kind = "UnknownAgent"
	KindDuplicateCapability      Kind = "DuplicateCapabilityConflict"
	KindInvalidTransition        Kind = "InvalidTransition"
	KindDoubleCompletion         Kind = "DoubleCompletion"
	KindAgentUnavailable         Kind = "AgentUnavailable"
	KindTaskTimeout              Kind = "TaskTimeout"
	KindIngestionError           Kind = "IngestionError"
	KindAssignmentHandoffTimeout Kind = "AssignmentHandoffTimeout"
	KindAgentError               Kind = "AgentError"
)

// Error is the failure payload carried by a Failed task.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Task is a unit of work submitted against a capability.
type Task struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	Capability      Capability `json:"capability"`
	Input           string     `json:"input"`
	State           State      `json:"state"`
	Progress        int        `json:"progress"`
	Result          string     `json:"result,omitempty"`
	Err             *Error     `json:"error,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Retries         int        `json:"retries"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// seq orders submissions; timestamps can tie.
	seq uint64
}

// clone returns a copy safe to hand outside the store lock.
func (t *Task) clone() *Task {
	c := *t
	if t.Err != nil {
		e := *t.Err
		c.Err = &e
	}
	return &c
}

// Event is a single observation of a task delivered to subscribers.
type Event struct {
	TaskID      string `json:"task_id"`
	State       State  `json:"state"`
	Progress    int    `json:"progress"`
	PartialText string `json:"partial_text,omitempty"`
	Result      string `json:"result,omitempty"`
	Err         *Error `json:"error,omitempty"`
}

// Terminal reports whether this event ends the task's event sequence.
func (e Event) Terminal() bool {
	return e.State.Terminal()
}

func eventFor(t *Task, partial string) Event {
	ev := Event{
		TaskID:      t.ID,
		State:       t.State,
		Progress:    t.Progress,
		PartialText: partial,
		Result:      t.Result,
	}
	if t.Err != nil {
		e := *t.Err
		ev.Err = &e
	}
	return ev
}
