// ABOUTME: Chat stream event types shared by every transport
// ABOUTME: One event sequence feeds gRPC streams, SSE, WebSocket, and tests alike

package chat

import (
	"github.com/2389/coven-orchestrator/internal/task"
	"github.com/2389/coven-orchestrator/internal/transcript"
)

// EventType discriminates chat stream events.
type EventType string

const (
	EventProgress     EventType = "progress"
	EventPartialText  EventType = "partial_text"
	EventFinalMessage EventType = "final_message"
)

// Event is one item of a SendMessageAndStream response. Exactly one
// EventFinalMessage ends every completed stream.
type Event struct {
	Type        EventType           `json:"type"`
	TaskID      string              `json:"task_id,omitempty"`
	State       task.State          `json:"state,omitempty"`
	Progress    int                 `json:"progress,omitempty"`
	PartialText string              `json:"partial_text,omitempty"`
	Message     *transcript.Message `json:"message,omitempty"`
}

// chunkRunes splits s into pieces of at most n runes.
func chunkRunes(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		end := min(n, len(runes))
		out = append(out, string(runes[:end]))
		runes = runes[end:]
	}
	return out
}
