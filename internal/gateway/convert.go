// ABOUTME: Conversions from domain types to gRPC wire messages
// ABOUTME: Covers deliveries, chat events, messages, agents, and task snapshots and updates

package gateway

import (
	"github.com/2389/coven-orchestrator/internal/agent"
	"github.com/2389/coven-orchestrator/internal/chat"
	"github.com/2389/coven-orchestrator/internal/rpc"
	"github.com/2389/coven-orchestrator/internal/task"
	"github.com/2389/coven-orchestrator/internal/transcript"
)

func toAssignment(d agent.Delivery) *rpc.TaskAssignment {
	kind := rpc.AssignmentAssign
	if d.Kind == agent.DeliveryCancel {
		kind = rpc.AssignmentCancel
	}
	return &rpc.TaskAssignment{
		Kind:       kind,
		TaskID:     d.TaskID,
		Capability: string(d.Capability),
		Input:      d.Input,
	}
}

func toChatEvent(ev chat.Event) *rpc.ChatEvent {
	return &rpc.ChatEvent{
		Type:        string(ev.Type),
		TaskID:      ev.TaskID,
		State:       string(ev.State),
		Progress:    int32(ev.Progress),
		PartialText: ev.PartialText,
		Message:     toRPCMessage(ev.Message),
	}
}

func toRPCMessage(m *transcript.Message) *rpc.Message {
	if m == nil {
		return nil
	}
	return &rpc.Message{
		ID:                 m.ID,
		ConversationID:     m.ConversationID,
		Sender:             string(m.Sender),
		Text:               m.Text,
		Attachments:        m.Attachments,
		TaskID:             m.TaskID,
		NeedsClarification: m.NeedsClarification,
		Metadata:           m.Metadata,
		Seq:                m.Seq,
		CreatedAt:          m.CreatedAt,
	}
}

func toTaskInfo(t *task.Task) *rpc.TaskInfo {
	info := &rpc.TaskInfo{
		ID:              t.ID,
		ConversationID:  t.ConversationID,
		Capability:      string(t.Capability),
		Input:           t.Input,
		State:           string(t.State),
		Progress:        int32(t.Progress),
		Result:          t.Result,
		AssignedAgentID: t.AssignedAgentID,
		Retries:         int32(t.Retries),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.Err != nil {
		info.Error = &rpc.TaskError{Kind: string(t.Err.Kind), Message: t.Err.Message}
	}
	return info
}

func toAgentInfo(a *agent.Agent) *rpc.AgentInfo {
	return &rpc.AgentInfo{
		ID:              a.ID,
		Name:            a.Name,
		Capability:      string(a.Capability),
		State:           string(a.State),
		TaskID:          a.TaskID,
		RegisteredAt:    a.RegisteredAt,
		LastHeartbeatAt: a.LastHeartbeat,
	}
}

func toTaskProgress(ev task.Event) *rpc.TaskProgress {
	p := &rpc.TaskProgress{
		TaskID:      ev.TaskID,
		State:       string(ev.State),
		Progress:    int32(ev.Progress),
		PartialText: ev.PartialText,
		Result:      ev.Result,
	}
	if ev.Err != nil {
		p.Error = &rpc.TaskError{Kind: string(ev.Err.Kind), Message: ev.Err.Message}
	}
	return p
}
