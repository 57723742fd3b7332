// ABOUTME: Agent runtime that registers, heartbeats, and executes assigned tasks
// ABOUTME: Re-registers when the server forgets it and deregisters on shutdown

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-orchestrator/internal/rpc"
	"github.com/2389/coven-orchestrator/internal/task"
)

const (
	defaultRetryDelay  = time.Second
	deregisterTimeout  = 5 * time.Second
	defaultHeartbeatMs = 2000
)

// errReregister ends a session whose registration the server no longer holds.
var errReregister = errors.New("registration lost")

// Assignment is one task handed to a Handler.
type Assignment struct {
	TaskID     string
	Capability task.Capability
	Input      string
}

// ReportFunc sends a progress update for the running task. Progress must
// not decrease.
type ReportFunc func(ctx context.Context, progress int, partial string) error

// Handler executes a task and returns its result reference. ctx is
// cancelled when the task is cancelled or the runner stops.
type Handler interface {
	Handle(ctx context.Context, a Assignment, report ReportFunc) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a Assignment, report ReportFunc) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, a Assignment, report ReportFunc) (string, error) {
	return f(ctx, a, report)
}

// Config configures a Runner. Capability and Handler are required.
type Config struct {
	Capability task.Capability
	Name       string
	Handler    Handler
	// RetryDelay is the pause before registering again. Defaults to 1s.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Runner drives one agent registration at a time.
type Runner struct {
	client *rpc.AgentManagerClient
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	agentID string
	tasks   map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner over cc.
func NewRunner(cc grpc.ClientConnInterface, cfg Config) (*Runner, error) {
	if !cfg.Capability.Valid() {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownCapability, cfg.Capability)
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client: rpc.NewAgentManagerClient(cc),
		cfg:    cfg,
		logger: logger.With("component", "worker", "capability", cfg.Capability),
		tasks:  make(map[string]context.CancelFunc),
	}, nil
}

// AgentID returns the current registration, or "" between registrations.
func (r *Runner) AgentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentID
}

// Run registers and serves assignments until ctx is cancelled. It returns
// nil on cancellation and an error for failures that retrying cannot fix,
// such as a rejected registration.
func (r *Runner) Run(ctx context.Context) error {
	for {
		resp, err := r.client.Register(ctx, &rpc.RegisterRequest{
			Capability: string(r.cfg.Capability),
			Name:       r.cfg.Name,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if retryable(err) {
				r.logger.Warn("register failed, retrying", "error", err)
				if !sleep(ctx, r.cfg.RetryDelay) {
					return nil
				}
				continue
			}
			return fmt.Errorf("registering: %w", err)
		}

		r.setAgentID(resp.AgentID)
		r.logger.Info("registered", "agent_id", resp.AgentID, "name", resp.Name)

		err = r.session(ctx, resp)
		r.cancelTasks()
		r.wg.Wait()

		if ctx.Err() != nil {
			r.deregister(resp.AgentID)
			r.setAgentID("")
			return nil
		}
		r.setAgentID("")
		if !errors.Is(err, errReregister) {
			if !retryable(err) {
				return err
			}
			// The server may still hold this registration.
			r.deregister(resp.AgentID)
		}
		r.logger.Warn("session ended, registering again", "agent_id", resp.AgentID, "error", err)
		if !sleep(ctx, r.cfg.RetryDelay) {
			return nil
		}
	}
}

// session serves one registration until it is lost or ctx ends.
func (r *Runner) session(ctx context.Context, reg *rpc.RegisterResponse) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	interval := time.Duration(reg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultHeartbeatMs * time.Millisecond
	}
	go r.heartbeat(ctx, cancel, reg.AgentID, interval)

	stream, err := r.client.AssignTask(ctx, &rpc.AssignTaskRequest{AgentID: reg.AgentID})
	if err != nil {
		return r.sessionErr(ctx, err)
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			return r.sessionErr(ctx, err)
		}

		switch msg.Kind {
		case rpc.AssignmentAssign:
			r.start(ctx, reg.AgentID, Assignment{
				TaskID:     msg.TaskID,
				Capability: task.Capability(msg.Capability),
				Input:      msg.Input,
			})
		case rpc.AssignmentCancel:
			r.cancelTask(msg.TaskID)
		default:
			r.logger.Warn("unknown assignment kind", "kind", msg.Kind, "task_id", msg.TaskID)
		}
	}
}

// sessionErr prefers the heartbeat's verdict over the stream error it caused.
func (r *Runner) sessionErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if status.Code(err) == codes.NotFound {
		return errReregister
	}
	return err
}

func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, agentID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := r.client.Heartbeat(ctx, &rpc.HeartbeatRequest{AgentID: agentID})
		switch {
		case err == nil:
		case status.Code(err) == codes.NotFound:
			r.logger.Warn("server no longer knows this agent", "agent_id", agentID)
			cancel(errReregister)
			return
		case ctx.Err() != nil:
			return
		default:
			r.logger.Debug("heartbeat failed", "agent_id", agentID, "error", err)
		}
	}
}

// start runs a in its own goroutine so cancel notices keep flowing.
func (r *Runner) start(ctx context.Context, agentID string, a Assignment) {
	taskCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.tasks[a.TaskID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(a.TaskID)
		r.execute(taskCtx, agentID, a)
	}()
}

func (r *Runner) execute(ctx context.Context, agentID string, a Assignment) {
	logger := r.logger.With("agent_id", agentID, "task_id", a.TaskID)
	logger.Info("task assigned", "input", a.Input)

	report := func(ctx context.Context, progress int, partial string) error {
		return r.client.ReportProgress(ctx, &rpc.ReportProgressRequest{
			AgentID:     agentID,
			TaskID:      a.TaskID,
			Progress:    int32(progress),
			PartialText: partial,
		})
	}

	// The first report acknowledges the assignment.
	if err := report(ctx, 0, ""); err != nil {
		logger.Warn("acknowledging task failed", "error", err)
		return
	}

	result, err := r.cfg.Handler.Handle(ctx, a, report)
	if ctx.Err() != nil {
		logger.Info("task stopped before completion")
		return
	}

	req := &rpc.SubmitResultRequest{AgentID: agentID, TaskID: a.TaskID, Result: result}
	if err != nil {
		logger.Warn("task failed", "error", err)
		req.Result = ""
		req.Error = &rpc.TaskError{Kind: string(task.KindAgentError), Message: err.Error()}
	}
	if err := r.client.SubmitResult(ctx, req); err != nil {
		logger.Warn("submitting result failed", "error", err)
		return
	}
	logger.Info("task finished", "result", result)
}

func (r *Runner) finish(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.tasks[taskID]; ok {
		cancel()
		delete(r.tasks, taskID)
	}
}

func (r *Runner) cancelTask(taskID string) {
	r.mu.Lock()
	cancel, ok := r.tasks[taskID]
	r.mu.Unlock()
	if ok {
		r.logger.Info("task cancelled by server", "task_id", taskID)
		cancel()
	}
}

func (r *Runner) cancelTasks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.tasks {
		cancel()
	}
}

func (r *Runner) deregister(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if err := r.client.Deregister(ctx, &rpc.DeregisterRequest{AgentID: agentID}); err != nil {
		r.logger.Warn("deregister failed", "agent_id", agentID, "error", err)
		return
	}
	r.logger.Info("deregistered", "agent_id", agentID)
}

func (r *Runner) setAgentID(id string) {
	r.mu.Lock()
	r.agentID = id
	r.mu.Unlock()
}

// retryable reports whether err is a transport hiccup worth waiting out.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
