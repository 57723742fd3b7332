// Package rpc defines the orchestrator's gRPC surface without generated
// code.
//
// Two services are described by hand-written grpc.ServiceDesc values:
//
//   - coven.orchestrator.v1.AgentManager: Register, Heartbeat, AssignTask
//     (server stream), ReportProgress, SubmitResult, Deregister, PollTask
//   - coven.orchestrator.v1.Chat: SendMessageAndStream (server stream),
//     GetHistory, SaveUploadedFile, CancelTask, GetTask
//
// Messages are plain Go structs carried by a JSON codec registered as
// "json" (content type application/grpc+json). Empty responses use
// emptypb.Empty, encoded with protojson. The clients in this package select
// the codec on every call; other clients must pass CallOption().
package rpc
