// ABOUTME: Transcript types and the Store interface for conversation persistence
// ABOUTME: Messages are append-only and ordered by insertion sequence

package transcript

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateMessage is returned when a message ID has already been appended
// to the same conversation.
var ErrDuplicateMessage = errors.New("message already exists")

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Message is one entry in a conversation transcript.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Sender         Sender   `json:"sender"`
	Text           string   `json:"text"`
	Attachments    []string `json:"attachments,omitempty"`
	TaskID         string   `json:"task_id,omitempty"` // set on the final agent message for a task

	// NeedsClarification marks an agent reply that asks the user for more
	// input before any work can start.
	NeedsClarification bool              `json:"needs_clarification,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata keys recorded on chat messages.
const (
	MetaCapability = "capability" // resolved intent
	MetaTaskState  = "task_state"
	MetaErrorKind  = "error_kind"
)

// Store is the durable, append-only conversation log.
type Store interface {
	// Append persists msg and fills in Seq. The conversation is created on
	// first use. Message IDs are unique within a conversation.
	Append(ctx context.Context, msg *Message) error

	// History returns a conversation's messages in ascending order. limit <= 0
	// means no limit. An unknown conversation yields an empty slice.
	History(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)

	Close() error
}
