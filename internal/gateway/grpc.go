// ABOUTME: AgentManager and Chat gRPC service implementations
// ABOUTME: Thin adapters from wire messages onto the dispatch manager and chat service

package gateway

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/coven-orchestrator/internal/chat"
	"github.com/2389/coven-orchestrator/internal/rpc"
	"github.com/2389/coven-orchestrator/internal/task"
	"github.com/2389/coven-orchestrator/internal/transcript"
)

// Response header keys set on SendMessageAndStream.
const (
	headerConversationID = "x-conversation-id"
	headerMessageID      = "x-message-id"
)

var errShuttingDown = status.Error(codes.Unavailable, "server shutting down")

// agentManagerServer implements the AgentManager gRPC service.
type agentManagerServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func newAgentManagerServer(gw *Gateway, logger *slog.Logger) *agentManagerServer {
	return &agentManagerServer{gateway: gw, logger: logger}
}

func (s *agentManagerServer) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	capability, err := task.ParseCapability(req.Capability)
	if err != nil {
		return nil, toStatus(err)
	}

	a, err := s.gateway.dispatch.Register(ctx, capability, req.Name)
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("agent registered",
		"agent_id", a.ID,
		"name", a.Name,
		"capability", a.Capability,
	)

	return &rpc.RegisterResponse{
		AgentID:             a.ID,
		Name:                a.Name,
		HeartbeatIntervalMs: s.gateway.dispatch.Config().HeartbeatInterval.Milliseconds(),
	}, nil
}

func (s *agentManagerServer) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*emptypb.Empty, error) {
	if err := s.gateway.dispatch.Heartbeat(req.AgentID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// AssignTask streams the agent's deliveries. It returns when the agent's
// connection closes (eviction or deregistration), when the agent hangs up,
// or when the server shuts down.
func (s *agentManagerServer) AssignTask(req *rpc.AssignTaskRequest, stream grpc.ServerStreamingServer[rpc.TaskAssignment]) error {
	conn, err := s.gateway.dispatch.Connection(req.AgentID)
	if err != nil {
		return toStatus(err)
	}

	s.logger.Debug("assignment stream opened", "agent_id", req.AgentID)

	for {
		select {
		case d := <-conn.Deliveries():
			if err := stream.Send(toAssignment(d)); err != nil {
				// The handoff timer recovers an assignment lost here.
				s.logger.Warn("failed to send delivery",
					"agent_id", req.AgentID,
					"task_id", d.TaskID,
					"error", err,
				)
				return err
			}

		case <-conn.Done():
			s.logger.Info("assignment stream closed by manager", "agent_id", req.AgentID)
			return status.Error(codes.NotFound, "agent connection closed")

		case <-stream.Context().Done():
			s.logger.Debug("assignment stream cancelled", "agent_id", req.AgentID)
			return nil

		case <-s.gateway.closing:
			return errShuttingDown
		}
	}
}

func (s *agentManagerServer) ReportProgress(ctx context.Context, req *rpc.ReportProgressRequest) (*emptypb.Empty, error) {
	err := s.gateway.dispatch.ReportProgress(ctx, req.AgentID, req.TaskID, int(req.Progress), req.PartialText)
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *agentManagerServer) SubmitResult(ctx context.Context, req *rpc.SubmitResultRequest) (*emptypb.Empty, error) {
	var taskErr *task.Error
	if req.Error != nil {
		taskErr = &task.Error{Kind: task.Kind(req.Error.Kind), Message: req.Error.Message}
	}

	if err := s.gateway.dispatch.SubmitResult(ctx, req.AgentID, req.TaskID, req.Result, taskErr); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *agentManagerServer) Deregister(ctx context.Context, req *rpc.DeregisterRequest) (*emptypb.Empty, error) {
	if err := s.gateway.dispatch.Deregister(ctx, req.AgentID); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("agent deregistered", "agent_id", req.AgentID)
	return &emptypb.Empty{}, nil
}

func (s *agentManagerServer) PollTask(ctx context.Context, req *rpc.PollTaskRequest) (*rpc.PollTaskResponse, error) {
	d, ok, err := s.gateway.dispatch.PollTask(req.AgentID)
	if err != nil {
		return nil, toStatus(err)
	}
	if !ok {
		return &rpc.PollTaskResponse{}, nil
	}
	return &rpc.PollTaskResponse{Assignment: toAssignment(d)}, nil
}

func (s *agentManagerServer) ListAgents(ctx context.Context, _ *emptypb.Empty) (*rpc.ListAgentsResponse, error) {
	agents := s.gateway.dispatch.ListAgents()
	out := make([]*rpc.AgentInfo, len(agents))
	for i, a := range agents {
		out[i] = toAgentInfo(a)
	}
	return &rpc.ListAgentsResponse{Agents: out}, nil
}

// StreamProgress relays a task's events until the terminal one. An
// already finished task yields its final snapshot alone.
func (s *agentManagerServer) StreamProgress(req *rpc.StreamProgressRequest, stream grpc.ServerStreamingServer[rpc.TaskProgress]) error {
	sub, err := s.gateway.dispatch.Subscribe(stream.Context(), req.TaskID)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return stream.Context().Err()
			}
			if err := stream.Send(toTaskProgress(ev)); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		case <-s.gateway.closing:
			return errShuttingDown
		}
	}
}

// chatServer implements the Chat gRPC service.
type chatServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func newChatServer(gw *Gateway, logger *slog.Logger) *chatServer {
	return &chatServer{gateway: gw, logger: logger}
}

// SendMessageAndStream relays chat events until the final message. The
// conversation and message IDs are returned as response headers.
func (s *chatServer) SendMessageAndStream(req *rpc.SendMessageRequest, stream grpc.ServerStreamingServer[rpc.ChatEvent]) error {
	ctx := stream.Context()

	resp, err := s.gateway.chat.SendMessageAndStream(ctx, toSendRequest(req))
	if err != nil {
		return toStatus(err)
	}

	if err := stream.SendHeader(metadata.Pairs(
		headerConversationID, resp.ConversationID,
		headerMessageID, resp.MessageID,
	)); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-resp.Stream:
			if !ok {
				return ctx.Err()
			}
			if err := stream.Send(toChatEvent(ev)); err != nil {
				return err
			}
			if ev.Type == chat.EventFinalMessage {
				return nil
			}
		case <-s.gateway.closing:
			return errShuttingDown
		}
	}
}

func (s *chatServer) GetHistory(ctx context.Context, req *rpc.GetHistoryRequest) (*rpc.GetHistoryResponse, error) {
	msgs, err := s.gateway.chat.GetHistory(ctx, req.ConversationID, int(req.Limit), int(req.Offset))
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]*rpc.Message, len(msgs))
	for i, m := range msgs {
		out[i] = toRPCMessage(m)
	}
	return &rpc.GetHistoryResponse{Messages: out}, nil
}

func (s *chatServer) SaveUploadedFile(ctx context.Context, req *rpc.SaveUploadedFileRequest) (*rpc.SaveUploadedFileResponse, error) {
	ref, err := s.gateway.chat.SaveUploadedFile(req.Filename, req.Content)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.SaveUploadedFileResponse{InputReference: ref}, nil
}

func (s *chatServer) CancelTask(ctx context.Context, req *rpc.CancelTaskRequest) (*emptypb.Empty, error) {
	if err := s.gateway.chat.CancelTask(ctx, req.TaskID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *chatServer) GetTask(ctx context.Context, req *rpc.GetTaskRequest) (*rpc.TaskInfo, error) {
	t, err := s.gateway.chat.GetTask(req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toTaskInfo(t), nil
}

func toSendRequest(req *rpc.SendMessageRequest) *chat.SendRequest {
	return &chat.SendRequest{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Sender:         transcript.Sender(req.Sender),
		Text:           req.Text,
		Attachments:    req.Attachments,
	}
}
