// Package dispatch is the Agent Manager: it binds the agent registry to the
// task store and makes every assignment and recovery decision.
//
// # Assignment
//
// Pending tasks are considered oldest first. Each is offered to the idle
// agent of its capability that was least recently assigned. A task with no
// idle agent stays pending and the pass moves on, so one starved capability
// never blocks another.
//
// # Handoff
//
// An assigned task must be acknowledged within AssignmentTimeout. The first
// ReportProgress from the holder is the acknowledgement and moves the task
// to running. A silent agent is evicted and the task requeued.
//
// # Liveness
//
// A background sweep evicts agents whose last heartbeat is older than
// HeartbeatTimeout. Progress reports, result submissions and polls all
// count as heartbeats. Tasks held by an evicted agent go back to pending
// until they have been lost MaxRetries times, at which point they fail with
// AgentUnavailable. A running task exceeding TaskTimeout fails with
// TaskTimeout and its agent is evicted.
package dispatch
