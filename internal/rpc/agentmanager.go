// ABOUTME: AgentManager gRPC service descriptor, server interface, and client
// ABOUTME: Agents register, heartbeat, take assignments and report outcomes; clients follow tasks

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const AgentManagerServiceName = "coven.orchestrator.v1.AgentManager"

const (
	AgentManagerRegisterMethod       = "/" + AgentManagerServiceName + "/Register"
	AgentManagerHeartbeatMethod      = "/" + AgentManagerServiceName + "/Heartbeat"
	AgentManagerAssignTaskMethod     = "/" + AgentManagerServiceName + "/AssignTask"
	AgentManagerReportProgressMethod = "/" + AgentManagerServiceName + "/ReportProgress"
	AgentManagerSubmitResultMethod   = "/" + AgentManagerServiceName + "/SubmitResult"
	AgentManagerDeregisterMethod     = "/" + AgentManagerServiceName + "/Deregister"
	AgentManagerPollTaskMethod       = "/" + AgentManagerServiceName + "/PollTask"
	AgentManagerListAgentsMethod     = "/" + AgentManagerServiceName + "/ListAgents"
	AgentManagerStreamProgressMethod = "/" + AgentManagerServiceName + "/StreamProgress"
)

// AgentManagerServer is implemented by the orchestrator.
type AgentManagerServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*emptypb.Empty, error)
	// AssignTask streams assignments and cancel notices until the agent is
	// evicted or deregisters.
	AssignTask(*AssignTaskRequest, grpc.ServerStreamingServer[TaskAssignment]) error
	ReportProgress(context.Context, *ReportProgressRequest) (*emptypb.Empty, error)
	SubmitResult(context.Context, *SubmitResultRequest) (*emptypb.Empty, error)
	Deregister(context.Context, *DeregisterRequest) (*emptypb.Empty, error)
	PollTask(context.Context, *PollTaskRequest) (*PollTaskResponse, error)
	ListAgents(context.Context, *emptypb.Empty) (*ListAgentsResponse, error)
	// StreamProgress sends the task's current state, then every change,
	// and returns after the terminal update.
	StreamProgress(*StreamProgressRequest, grpc.ServerStreamingServer[TaskProgress]) error
}

// AgentManagerServiceDesc describes the service for grpc.Server.RegisterService.
var AgentManagerServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentManagerServiceName,
	HandlerType: (*AgentManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(AgentManagerRegisterMethod, AgentManagerServer.Register)},
		{MethodName: "Heartbeat", Handler: unaryHandler(AgentManagerHeartbeatMethod, AgentManagerServer.Heartbeat)},
		{MethodName: "ReportProgress", Handler: unaryHandler(AgentManagerReportProgressMethod, AgentManagerServer.ReportProgress)},
		{MethodName: "SubmitResult", Handler: unaryHandler(AgentManagerSubmitResultMethod, AgentManagerServer.SubmitResult)},
		{MethodName: "Deregister", Handler: unaryHandler(AgentManagerDeregisterMethod, AgentManagerServer.Deregister)},
		{MethodName: "PollTask", Handler: unaryHandler(AgentManagerPollTaskMethod, AgentManagerServer.PollTask)},
		{MethodName: "ListAgents", Handler: unaryHandler(AgentManagerListAgentsMethod, AgentManagerServer.ListAgents)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "AssignTask",
			Handler:       assignTaskHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamProgress",
			Handler:       streamProgressHandler,
			ServerStreams: true,
		},
	},
	Metadata: "coven/orchestrator/v1/agent_manager",
}

func assignTaskHandler(srv any, stream grpc.ServerStream) error {
	in := new(AssignTaskRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AgentManagerServer).AssignTask(in, &grpc.GenericServerStream[AssignTaskRequest, TaskAssignment]{ServerStream: stream})
}

func streamProgressHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamProgressRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AgentManagerServer).StreamProgress(in, &grpc.GenericServerStream[StreamProgressRequest, TaskProgress]{ServerStream: stream})
}

// RegisterAgentManagerServer attaches srv to s.
func RegisterAgentManagerServer(s grpc.ServiceRegistrar, srv AgentManagerServer) {
	s.RegisterService(&AgentManagerServiceDesc, srv)
}

// AgentManagerClient is the agent side of the service.
type AgentManagerClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentManagerClient wraps a connection. Calls use the JSON codec.
func NewAgentManagerClient(cc grpc.ClientConnInterface) *AgentManagerClient {
	return &AgentManagerClient{cc: cc}
}

func (c *AgentManagerClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, AgentManagerRegisterMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentManagerClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, AgentManagerHeartbeatMethod, in, new(emptypb.Empty), withCodec(opts)...)
}

// AssignTask opens the assignment stream for an agent.
func (c *AgentManagerClient) AssignTask(ctx context.Context, in *AssignTaskRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[TaskAssignment], error) {
	stream, err := c.cc.NewStream(ctx, &AgentManagerServiceDesc.Streams[0], AgentManagerAssignTaskMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[AssignTaskRequest, TaskAssignment]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *AgentManagerClient) ReportProgress(ctx context.Context, in *ReportProgressRequest, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, AgentManagerReportProgressMethod, in, new(emptypb.Empty), withCodec(opts)...)
}

func (c *AgentManagerClient) SubmitResult(ctx context.Context, in *SubmitResultRequest, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, AgentManagerSubmitResultMethod, in, new(emptypb.Empty), withCodec(opts)...)
}

func (c *AgentManagerClient) Deregister(ctx context.Context, in *DeregisterRequest, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, AgentManagerDeregisterMethod, in, new(emptypb.Empty), withCodec(opts)...)
}

func (c *AgentManagerClient) PollTask(ctx context.Context, in *PollTaskRequest, opts ...grpc.CallOption) (*PollTaskResponse, error) {
	out := new(PollTaskResponse)
	if err := c.cc.Invoke(ctx, AgentManagerPollTaskMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentManagerClient) ListAgents(ctx context.Context, opts ...grpc.CallOption) (*ListAgentsResponse, error) {
	out := new(ListAgentsResponse)
	if err := c.cc.Invoke(ctx, AgentManagerListAgentsMethod, &emptypb.Empty{}, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamProgress follows one task until it reaches a terminal state.
func (c *AgentManagerClient) StreamProgress(ctx context.Context, in *StreamProgressRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[TaskProgress], error) {
	stream, err := c.cc.NewStream(ctx, &AgentManagerServiceDesc.Streams[1], AgentManagerStreamProgressMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[StreamProgressRequest, TaskProgress]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
