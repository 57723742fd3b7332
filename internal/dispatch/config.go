// ABOUTME: Timing and retry settings for the dispatch manager
// ABOUTME: Zero values fall back to the documented defaults

package dispatch

import "time"

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultAssignmentTimeout = 30 * time.Second
	DefaultTaskTimeout       = 10 * time.Minute
	DefaultMaxRetries        = 3
)

// Config controls liveness detection, timeouts, and retry bounds.
type Config struct {
	// HeartbeatInterval is advertised to agents at registration.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout evicts agents silent for longer than this.
	// Defaults to three heartbeat intervals.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often liveness is checked.
	SweepInterval time.Duration
	// AssignmentTimeout bounds the assigned -> running handoff.
	AssignmentTimeout time.Duration
	// TaskTimeout bounds how long a task may stay running.
	TaskTimeout time.Duration
	// MaxRetries is the number of agent losses after which a task fails
	// with AgentUnavailable.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.AssignmentTimeout <= 0 {
		c.AssignmentTimeout = DefaultAssignmentTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}
