// Package agent tracks the worker processes that execute media-analysis tasks.
//
// # Registry
//
// The Registry is an in-memory directory of agents:
//
//	reg := agent.NewRegistry(agent.Options{Logger: logger})
//
// Key operations:
//
//   - Register(capability, name): add an agent, returned idle
//   - Heartbeat(id): refresh liveness; ErrUnknownAgent after eviction
//   - Deregister(id): remove an agent, reporting the task it held
//   - ListIdleByCapability(capability): idle agents, least recently assigned first
//   - Expired(timeout): agents that stopped heartbeating
//
// MarkBusy, MarkIdle, MarkUnresponsive and Remove are driven by the
// dispatcher, which owns the assignment decisions. Each agent record has a
// single writer at a time.
//
// # Agent States
//
//	registered -> idle <-> busy
//	idle | busy -> unresponsive (evicted, then removed)
//	idle | busy -> deregistered (removed)
//
// An agent is busy exactly while it holds one task. An unresponsive agent
// never holds a task; MarkUnresponsive detaches it and hands it back to the
// caller.
//
// # Single Instance Mode
//
// With Options.SingleInstancePerCapability set, Register fails with
// ErrDuplicateCapability while another live agent serves the same
// capability. By default any number of agents may share a capability and
// work is spread across them.
//
// # Connection
//
// Every agent owns a Connection, a bounded queue of Delivery values
// (assignments and cancel notices). Push-based agents drain it through the
// AssignTask stream; poll-based agents call Poll. Closing the connection on
// eviction ends any open stream.
package agent
