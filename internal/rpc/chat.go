// ABOUTME: Chat gRPC service descriptor, server interface, and client
// ABOUTME: Presentation clients send messages, stream answers, and read history through it

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const ChatServiceName = "coven.orchestrator.v1.Chat"

const (
	ChatSendMessageAndStreamMethod = "/" + ChatServiceName + "/SendMessageAndStream"
	ChatGetHistoryMethod           = "/" + ChatServiceName + "/GetHistory"
	ChatSaveUploadedFileMethod     = "/" + ChatServiceName + "/SaveUploadedFile"
	ChatCancelTaskMethod           = "/" + ChatServiceName + "/CancelTask"
	ChatGetTaskMethod              = "/" + ChatServiceName + "/GetTask"
)

// ChatServer is implemented by the orchestrator.
type ChatServer interface {
	SendMessageAndStream(*SendMessageRequest, grpc.ServerStreamingServer[ChatEvent]) error
	GetHistory(context.Context, *GetHistoryRequest) (*GetHistoryResponse, error)
	SaveUploadedFile(context.Context, *SaveUploadedFileRequest) (*SaveUploadedFileResponse, error)
	CancelTask(context.Context, *CancelTaskRequest) (*emptypb.Empty, error)
	GetTask(context.Context, *GetTaskRequest) (*TaskInfo, error)
}

// ChatServiceDesc describes the service for grpc.Server.RegisterService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetHistory", Handler: unaryHandler(ChatGetHistoryMethod, ChatServer.GetHistory)},
		{MethodName: "SaveUploadedFile", Handler: unaryHandler(ChatSaveUploadedFileMethod, ChatServer.SaveUploadedFile)},
		{MethodName: "CancelTask", Handler: unaryHandler(ChatCancelTaskMethod, ChatServer.CancelTask)},
		{MethodName: "GetTask", Handler: unaryHandler(ChatGetTaskMethod, ChatServer.GetTask)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SendMessageAndStream",
			Handler:       sendMessageAndStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "coven/orchestrator/v1/chat",
}

func sendMessageAndStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(SendMessageRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).SendMessageAndStream(in, &grpc.GenericServerStream[SendMessageRequest, ChatEvent]{ServerStream: stream})
}

// RegisterChatServer attaches srv to s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// ChatClient is the presentation side of the service.
type ChatClient struct {
	cc grpc.ClientConnInterface
}

// NewChatClient wraps a connection. Calls use the JSON codec.
func NewChatClient(cc grpc.ClientConnInterface) *ChatClient {
	return &ChatClient{cc: cc}
}

// SendMessageAndStream sends one message and returns the event stream.
func (c *ChatClient) SendMessageAndStream(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[ChatEvent], error) {
	stream, err := c.cc.NewStream(ctx, &ChatServiceDesc.Streams[0], ChatSendMessageAndStreamMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[SendMessageRequest, ChatEvent]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *ChatClient) GetHistory(ctx context.Context, in *GetHistoryRequest, opts ...grpc.CallOption) (*GetHistoryResponse, error) {
	out := new(GetHistoryResponse)
	if err := c.cc.Invoke(ctx, ChatGetHistoryMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) SaveUploadedFile(ctx context.Context, in *SaveUploadedFileRequest, opts ...grpc.CallOption) (*SaveUploadedFileResponse, error) {
	out := new(SaveUploadedFileResponse)
	if err := c.cc.Invoke(ctx, ChatSaveUploadedFileMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) CancelTask(ctx context.Context, in *CancelTaskRequest, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, ChatCancelTaskMethod, in, new(emptypb.Empty), withCodec(opts)...)
}

func (c *ChatClient) GetTask(ctx context.Context, in *GetTaskRequest, opts ...grpc.CallOption) (*TaskInfo, error) {
	out := new(TaskInfo)
	if err := c.cc.Invoke(ctx, ChatGetTaskMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
