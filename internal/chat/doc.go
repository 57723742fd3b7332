// Package chat is the Chat Service: it turns a user utterance into at most
// one task and streams the answer back.
//
// # Flow
//
//  1. The user message is recorded in the transcript before anything else.
//  2. ResolveIntent picks a capability by keyword. Plain conversation (or a
//     capability request with nothing attached) gets a canned agent reply,
//     streamed as partial_text chunks and a final_message.
//  3. Raw video attachments are ingested first. An ingestion failure ends
//     the exchange with an IngestionError reply; no task is submitted.
//  4. The task is submitted and its events are relayed as progress and
//     partial_text events.
//  5. On a terminal state exactly one final agent message is recorded and
//     sent as final_message.
//
// # Disconnects
//
// Each task runs in a pipeline owned by the Service, not by the request.
// A client that goes away stops receiving events, but the task continues
// and its final message is still recorded. Cancelling a task is a separate,
// explicit call (CancelTask).
package chat
