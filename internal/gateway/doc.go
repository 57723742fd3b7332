// Package gateway orchestrates the coven-orchestrator server components.
//
// # Overview
//
// The Gateway owns the transcript store, the dispatch manager, the chat
// service and the media collaborators, and exposes them over gRPC and HTTP.
// New wires everything from a config.Config; Run serves until its context is
// cancelled and then shuts down within five seconds.
//
// # gRPC Services
//
// Both services use the JSON codec from package rpc:
//
//   - coven.orchestrator.v1.AgentManager - Register, Heartbeat, AssignTask
//     (server stream), ReportProgress, SubmitResult, Deregister, PollTask
//   - coven.orchestrator.v1.Chat - SendMessageAndStream (server stream),
//     GetHistory, SaveUploadedFile, CancelTask, GetTask
//
// Domain errors become status codes: unknown agents and tasks are NotFound,
// duplicate capabilities and messages AlreadyExists, lifecycle violations
// FailedPrecondition, and bad input InvalidArgument.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once at least one agent is registered
//   - GET /api/agents - Registered agents
//   - GET /api/tasks - Every task, oldest first
//   - GET /api/tasks/{id} - One task
//   - POST /api/tasks/{id}/cancel - Cancel a task
//   - POST /api/chat - Send a message, SSE response
//   - GET /api/chat/ws - Chat over WebSocket
//   - GET /api/conversations/{id}/messages - History as JSON
//   - GET /api/conversations/{id}/transcript - History as HTML
//   - POST /api/uploads - Store a multipart "file", returns its input reference
//
// # SSE Events
//
// POST /api/chat streams:
//
//	event: started
//	data: {"conversation_id":"c1","message_id":"...","capability":"transcription"}
//
//	event: progress
//	data: {"type":"progress","task_id":"...","state":"running","progress":50}
//
//	event: final_message
//	data: {"type":"final_message","message":{...}}
//
// Disconnecting detaches the client only; the task keeps running and its
// final message is still recorded.
//
// # Shutdown
//
// Shutdown ends open streams, stops both servers, waits for chat pipelines,
// stops the dispatch manager and closes the transcript.
package gateway
