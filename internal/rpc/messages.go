// ABOUTME: Wire messages for the AgentManager and Chat gRPC services
// ABOUTME: Plain structs with JSON tags, encoded by the json codec

package rpc

import "time"

// AgentManager messages.

type RegisterRequest struct {
	Capability string `json:"capability"`
	Name       string `json:"name,omitempty"`
}

type RegisterResponse struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	// HeartbeatIntervalMs tells the agent how often to call Heartbeat.
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
}

type HeartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

type AssignTaskRequest struct {
	AgentID string `json:"agent_id"`
}

// Assignment kinds carried by TaskAssignment.
const (
	AssignmentAssign = "assign"
	AssignmentCancel = "cancel"
)

type TaskAssignment struct {
	Kind       string `json:"kind"`
	TaskID     string `json:"task_id"`
	Capability string `json:"capability,omitempty"`
	Input      string `json:"input,omitempty"`
}

type ReportProgressRequest struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	Progress    int32  `json:"progress"`
	PartialText string `json:"partial_text,omitempty"`
}

type TaskError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type SubmitResultRequest struct {
	AgentID string     `json:"agent_id"`
	TaskID  string     `json:"task_id"`
	Result  string     `json:"result,omitempty"`
	Error   *TaskError `json:"error,omitempty"`
}

type DeregisterRequest struct {
	AgentID string `json:"agent_id"`
}

type PollTaskRequest struct {
	AgentID string `json:"agent_id"`
}

// PollTaskResponse has a nil Assignment when nothing is queued.
type PollTaskResponse struct {
	Assignment *TaskAssignment `json:"assignment,omitempty"`
}

type AgentInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Capability      string    `json:"capability"`
	State           string    `json:"state"`
	TaskID          string    `json:"task_id,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type ListAgentsResponse struct {
	Agents []*AgentInfo `json:"agents"`
}

type StreamProgressRequest struct {
	TaskID string `json:"task_id"`
}

// TaskProgress is one StreamProgress update. The stream ends after the
// update whose State is terminal.
type TaskProgress struct {
	TaskID      string     `json:"task_id"`
	State       string     `json:"state"`
	Progress    int32      `json:"progress"`
	PartialText string     `json:"partial_text,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
}

// Chat messages.

type SendMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id,omitempty"`
	Sender         string   `json:"sender,omitempty"`
	Text           string   `json:"text"`
	Attachments    []string `json:"attachments,omitempty"`
}

type Message struct {
	ID                 string            `json:"id"`
	ConversationID     string            `json:"conversation_id"`
	Sender             string            `json:"sender"`
	Text               string            `json:"text"`
	Attachments        []string          `json:"attachments,omitempty"`
	TaskID             string            `json:"task_id,omitempty"`
	NeedsClarification bool              `json:"needs_clarification,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Seq                int64             `json:"seq"`
	CreatedAt          time.Time         `json:"created_at"`
}

// ChatEvent is one item of the SendMessageAndStream response stream. Type
// is progress, partial_text or final_message.
type ChatEvent struct {
	Type        string   `json:"type"`
	TaskID      string   `json:"task_id,omitempty"`
	State       string   `json:"state,omitempty"`
	Progress    int32    `json:"progress,omitempty"`
	PartialText string   `json:"partial_text,omitempty"`
	Message     *Message `json:"message,omitempty"`
}

type GetHistoryRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int32  `json:"limit,omitempty"`
	Offset         int32  `json:"offset,omitempty"`
}

type GetHistoryResponse struct {
	Messages []*Message `json:"messages"`
}

type SaveUploadedFileRequest struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}

type SaveUploadedFileResponse struct {
	InputReference string `json:"input_reference"`
}

type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

type TaskInfo struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	Capability      string     `json:"capability"`
	Input           string     `json:"input"`
	State           string     `json:"state"`
	Progress        int32      `json:"progress"`
	Result          string     `json:"result,omitempty"`
	Error           *TaskError `json:"error,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Retries         int32      `json:"retries"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
