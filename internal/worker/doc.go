// Package worker is the agent-side runtime for media analysis agents.
//
// A Runner connects to the AgentManager service, registers for one
// capability, and keeps the registration alive with heartbeats at the
// interval the server advertises. Assignments arrive on the AssignTask
// stream. Each one is acknowledged with a progress 0 report, handed to a
// Handler, and finished with SubmitResult.
//
//	conn, _ := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
//	handler, _ := worker.Simulated(task.CapabilityTranscription, 200*time.Millisecond)
//	runner, _ := worker.NewRunner(conn, worker.Config{
//	    Capability: task.CapabilityTranscription,
//	    Handler:    handler,
//	})
//	err := runner.Run(ctx)
//
// If the server forgets the agent (eviction after missed heartbeats, or a
// server restart) the Runner registers again under a new ID. Cancelling the
// Run context deregisters the agent.
package worker
