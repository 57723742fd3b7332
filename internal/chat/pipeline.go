// ABOUTME: Detached task pipeline and per-client relay for task-bearing messages
// ABOUTME: The pipeline records exactly one final message; relays only forward events

package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-orchestrator/internal/media"
	"github.com/2389/coven-orchestrator/internal/task"
	"github.com/2389/coven-orchestrator/internal/transcript"
)

// job links one task pipeline to the client relay that started it.
type job struct {
	conversationID string
	capability     task.Capability
	input          string

	// taskID receives the submitted task's ID, or is closed without a
	// value when the pipeline failed before submission.
	taskID chan string
	final  chan outcome
}

type outcome struct {
	task    *task.Task
	message *transcript.Message
}

// runTask ingests, submits, waits for the terminal state and records the
// final agent message. It runs under the service context, not the
// request's.
func (s *Service) runTask(j *job) {
	defer s.wg.Done()
	ctx := s.baseCtx

	ref := j.input
	if s.ingestor != nil && media.IsRawMedia(ref) {
		meta, err := s.ingestor.Ingest(ctx, ref)
		if err != nil {
			s.logger.Warn("ingestion failed",
				"conversation_id", j.conversationID,
				"input", ref,
				"error", err,
			)
			s.finish(j, s.syntheticFailure(j, task.KindIngestionError, err.Error()))
			close(j.taskID)
			return
		}
		ref = meta
	}

	t, err := s.dispatcher.Submit(ctx, j.conversationID, j.capability, ref)
	if err != nil {
		s.logger.Error("task submission failed", "conversation_id", j.conversationID, "error", err)
		s.finish(j, s.syntheticFailure(j, task.KindAgentUnavailable, err.Error()))
		close(j.taskID)
		return
	}
	j.taskID <- t.ID

	s.logger.Info("task submitted",
		"conversation_id", j.conversationID,
		"task_id", t.ID,
		"capability", j.capability,
	)

	sub, err := s.dispatcher.Subscribe(ctx, t.ID)
	if err != nil {
		s.logger.Error("subscribing to task", "task_id", t.ID, "error", err)
		s.finish(j, s.abandon(ctx, j, t.ID, err))
		return
	}
	var last task.Event
	for ev := range sub.Events() {
		last = ev
	}
	if !last.Terminal() {
		s.logger.Info("task pipeline stopped before completion", "task_id", t.ID)
		return
	}

	final, err := s.dispatcher.Get(t.ID)
	if err != nil {
		s.logger.Error("reading finished task", "task_id", t.ID, "error", err)
		return
	}
	s.finish(j, final)
}

// abandon cancels a task the pipeline cannot follow and returns the
// snapshot to report. A task that finished in the meantime keeps its real
// outcome.
func (s *Service) abandon(ctx context.Context, j *job, taskID string, cause error) *task.Task {
	if err := s.dispatcher.Cancel(ctx, taskID); err != nil {
		s.logger.Warn("cancelling unobserved task", "task_id", taskID, "error", err)
	}
	if t, err := s.dispatcher.Get(taskID); err == nil && t.State.Terminal() {
		return t
	}
	failed := s.syntheticFailure(j, task.KindAgentUnavailable, "lost track of task: "+cause.Error())
	failed.ID = taskID
	return failed
}

// syntheticFailure builds a failed snapshot for a task that never reached
// the Agent Manager. It has no ID since no task record exists.
func (s *Service) syntheticFailure(j *job, kind task.Kind, msg string) *task.Task {
	now := time.Now()
	return &task.Task{
		ConversationID: j.conversationID,
		Capability:     j.capability,
		Input:          j.input,
		State:          task.StateFailed,
		Err:            &task.Error{Kind: kind, Message: msg},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) finish(j *job, t *task.Task) {
	text, attachments := finalReply(t)
	meta := map[string]string{
		transcript.MetaCapability: string(t.Capability),
		transcript.MetaTaskState:  string(t.State),
	}
	if t.Err != nil {
		meta[transcript.MetaErrorKind] = string(t.Err.Kind)
	}
	msg := &transcript.Message{
		ID:             uuid.New().String(),
		ConversationID: j.conversationID,
		Sender:         transcript.SenderAgent,
		Text:           text,
		Attachments:    attachments,
		TaskID:         t.ID,
		Metadata:       meta,
	}
	s.saveMessage(msg)
	j.final <- outcome{task: t, message: msg}
}

// relay forwards one client's view of the task and closes out.
func (s *Service) relay(ctx context.Context, j *job, out chan<- Event) {
	defer close(out)

	var taskID string
	select {
	case id, ok := <-j.taskID:
		if !ok {
			s.relayFinal(ctx, j, out, true)
			return
		}
		taskID = id
	case <-ctx.Done():
		return
	case <-s.baseCtx.Done():
		return
	}

	sub, err := s.dispatcher.Subscribe(ctx, taskID)
	if err != nil {
		s.logger.Error("client subscription failed", "task_id", taskID, "error", err)
	} else {
		for ev := range sub.Events() {
			if !s.relayTaskEvent(ctx, out, ev) {
				sub.Close()
				return
			}
		}
	}
	if ctx.Err() != nil {
		s.logger.Debug("client detached from task", "task_id", taskID)
		return
	}
	s.relayFinal(ctx, j, out, false)
}

func (s *Service) relayTaskEvent(ctx context.Context, out chan<- Event, ev task.Event) bool {
	if !send(ctx, out, Event{
		Type:     EventProgress,
		TaskID:   ev.TaskID,
		State:    ev.State,
		Progress: ev.Progress,
	}) {
		return false
	}
	if ev.PartialText != "" {
		return send(ctx, out, Event{
			Type:        EventPartialText,
			TaskID:      ev.TaskID,
			PartialText: ev.PartialText,
		})
	}
	return true
}

// relayFinal waits for the recorded final message. withState also emits the
// terminal progress event, for tasks the client never subscribed to.
func (s *Service) relayFinal(ctx context.Context, j *job, out chan<- Event, withState bool) {
	select {
	case fin := <-j.final:
		if withState {
			if !send(ctx, out, Event{
				Type:     EventProgress,
				TaskID:   fin.task.ID,
				State:    fin.task.State,
				Progress: fin.task.Progress,
			}) {
				return
			}
		}
		send(ctx, out, Event{Type: EventFinalMessage, TaskID: fin.task.ID, Message: fin.message})
	case <-ctx.Done():
	case <-s.baseCtx.Done():
	}
}
