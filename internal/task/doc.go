// Package task is the authoritative record of media-analysis work.
//
// # Lifecycle
//
// Every task moves along a fixed set of edges:
//
//	pending -> assigned -> running -> succeeded | failed
//	pending | assigned | running -> cancelled
//
// Assigned and running tasks may also be requeued to pending by the
// dispatcher when their agent is lost. No other transition is reachable;
// attempts return ErrInvalidTransition.
//
// # Completion
//
// Complete and Fail are idempotent. Repeating the same outcome is a no-op,
// while a different outcome on a terminal task returns ErrDoubleCompletion
// and is logged at error level.
//
// # Progress
//
// Progress is an integer percentage that never decreases. Updates below the
// current value, or received outside the running state, are rejected with
// ErrProgressRejected and leave the task unchanged; updates below the current
// value wrap the narrower ErrProgressBehind. A requeue keeps the high-water
// mark so observers never see progress move backwards.
//
// # Subscriptions
//
// Subscribe returns a Subscription whose Events channel yields a snapshot of
// the task followed by every later change, in recorded order, and closes
// after the terminal event:
//
//	sub, err := store.Subscribe(ctx, taskID)
//	for ev := range sub.Events() {
//	    ...
//	}
//
// Each subscriber has its own unbounded queue, so publishers never block and
// events are never dropped. Cancelling ctx or calling Close ends the
// subscription without touching the task.
package task
