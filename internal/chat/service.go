// ABOUTME: Chat Service turning user messages into task submissions and event streams
// ABOUTME: Records every message first, then relays task progress and one final agent reply

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-orchestrator/internal/dedupe"
	"github.com/2389/coven-orchestrator/internal/task"
	"github.com/2389/coven-orchestrator/internal/transcript"
)

const (
	tracerName = "github.com/2389/coven-orchestrator/internal/chat"

	// DefaultConversationID is used when a request names no conversation.
	DefaultConversationID = "default"

	replyChunkRunes = 40
	streamBuffer    = 16
	saveTimeout     = 5 * time.Second
)

var (
	// ErrDuplicateMessage is returned when a client message ID was already accepted.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrEmptyMessage is returned for a message with neither text nor attachments.
	ErrEmptyMessage = errors.New("message has no text or attachments")
	// ErrInvalidSender is returned for a sender other than user or agent.
	ErrInvalidSender = errors.New("sender must be user or agent")
	// ErrUploadsDisabled is returned by SaveUploadedFile without an upload store.
	ErrUploadsDisabled = errors.New("uploads are not configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chat service closed")
)

// Dispatcher is what the chat service needs from the Agent Manager.
type Dispatcher interface {
	Submit(ctx context.Context, conversationID string, capability task.Capability, input string) (*task.Task, error)
	Subscribe(ctx context.Context, taskID string) (*task.Subscription, error)
	Get(taskID string) (*task.Task, error)
	Cancel(ctx context.Context, taskID string) error
}

// Ingestor prepares a raw video for agents and returns the reference they
// should receive.
type Ingestor interface {
	Ingest(ctx context.Context, ref string) (string, error)
}

// Uploader stores uploaded file content and returns its reference.
type Uploader interface {
	Save(filename string, content []byte) (string, error)
}

// Options wires a Service. Transcript and Dispatcher are required.
type Options struct {
	Transcript transcript.Store
	Dispatcher Dispatcher
	Ingestor   Ingestor      // nil passes raw media through unchanged
	Uploads    Uploader      // nil disables SaveUploadedFile
	Dedupe     *dedupe.Cache // nil disables message ID dedupe
	Logger     *slog.Logger
}

// Service is the chat front door. It is safe for concurrent use.
type Service struct {
	transcript transcript.Store
	dispatcher Dispatcher
	ingestor   Ingestor
	uploads    Uploader
	dedupe     *dedupe.Cache
	logger     *slog.Logger
	tracer     trace.Tracer

	// Task pipelines outlive the request that started them and run under
	// this context.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		transcript: opts.Transcript,
		dispatcher: opts.Dispatcher,
		ingestor:   opts.Ingestor,
		uploads:    opts.Uploads,
		dedupe:     opts.Dedupe,
		logger:     logger.With("component", "chat"),
		tracer:     otel.Tracer(tracerName),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// SendRequest is one user utterance.
type SendRequest struct {
	ConversationID string
	// MessageID is an optional client-chosen ID. Reusing one inside the
	// dedupe window fails with ErrDuplicateMessage.
	MessageID   string
	Sender      transcript.Sender
	Text        string
	Attachments []string
}

// SendResponse carries the recorded message and the event stream. Stream
// is closed after the final message or when the request context ends.
type SendResponse struct {
	ConversationID string
	MessageID      string
	Capability     task.Capability // empty for a plain exchange
	Stream         <-chan Event
}

// SendMessageAndStream records the message, resolves its intent, and
// returns the stream of events answering it.
//
// Cancelling ctx only detaches this caller. A submitted task keeps running
// and its final agent message is still recorded; use CancelTask to stop it.
func (s *Service) SendMessageAndStream(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if s.baseCtx.Err() != nil {
		return nil, ErrClosed
	}

	conv := req.ConversationID
	if conv == "" {
		conv = DefaultConversationID
	}
	sender := req.Sender
	if sender == "" {
		sender = transcript.SenderUser
	}
	if sender != transcript.SenderUser && sender != transcript.SenderAgent {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	ctx, span := s.tracer.Start(ctx, "chat.SendMessageAndStream", trace.WithAttributes(
		attribute.String("conversation.id", conv),
	))
	defer span.End()

	msgID := req.MessageID
	var dedupeKey string
	if msgID != "" && s.dedupe != nil {
		dedupeKey = dedupe.Key(conv, msgID)
		if !s.dedupe.Claim(dedupeKey) {
			s.logger.Info("rejecting duplicate message", "conversation_id", conv, "message_id", msgID)
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMessage, msgID)
		}
	}
	if msgID == "" {
		msgID = uuid.New().String()
	}

	capability, ok := ResolveIntent(req.Text)

	// Record first, then act.
	userMsg := &transcript.Message{
		ID:             msgID,
		ConversationID: conv,
		Sender:         sender,
		Text:           req.Text,
		Attachments:    req.Attachments,
	}
	if ok {
		userMsg.Metadata = map[string]string{transcript.MetaCapability: string(capability)}
	}
	if err := s.transcript.Append(ctx, userMsg); err != nil {
		if dedupeKey != "" {
			s.dedupe.Release(dedupeKey)
		}
		span.RecordError(err)
		if errors.Is(err, transcript.ErrDuplicateMessage) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMessage, msgID)
		}
		return nil, fmt.Errorf("recording message: %w", err)
	}

	s.logger.Debug("user message recorded",
		"conversation_id", conv,
		"message_id", msgID,
		"attachments", len(req.Attachments),
	)

	resp := &SendResponse{ConversationID: conv, MessageID: msgID}

	switch {
	case !ok:
		stream, err := s.replyPlain(ctx, &transcript.Message{ConversationID: conv, Text: genericReply})
		if err != nil {
			return nil, err
		}
		resp.Stream = stream

	case len(req.Attachments) == 0:
		stream, err := s.replyPlain(ctx, &transcript.Message{
			ConversationID:     conv,
			Text:               attachmentNeededReply(capability),
			NeedsClarification: true,
			Metadata:           map[string]string{transcript.MetaCapability: string(capability)},
		})
		if err != nil {
			return nil, err
		}
		resp.Stream = stream

	default:
		span.SetAttributes(attribute.String("task.capability", string(capability)))
		resp.Capability = capability
		j := &job{
			conversationID: conv,
			capability:     capability,
			input:          req.Attachments[0],
			taskID:         make(chan string, 1),
			final:          make(chan outcome, 1),
		}
		s.wg.Add(1)
		go s.runTask(j)

		out := make(chan Event, streamBuffer)
		go s.relay(ctx, j, out)
		resp.Stream = out
	}

	return resp, nil
}

// replyPlain records msg as an agent reply and streams it back in chunks.
func (s *Service) replyPlain(ctx context.Context, msg *transcript.Message) (<-chan Event, error) {
	msg.ID = uuid.New().String()
	msg.Sender = transcript.SenderAgent
	text := msg.Text
	if err := s.transcript.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording reply: %w", err)
	}

	out := make(chan Event, streamBuffer)
	go func() {
		defer close(out)
		for _, chunk := range chunkRunes(text, replyChunkRunes) {
			if !send(ctx, out, Event{Type: EventPartialText, PartialText: chunk}) {
				return
			}
		}
		send(ctx, out, Event{Type: EventFinalMessage, Message: msg})
	}()
	return out, nil
}

// GetHistory returns a conversation's messages in order. limit <= 0 means
// no limit.
func (s *Service) GetHistory(ctx context.Context, conversationID string, limit, offset int) ([]*transcript.Message, error) {
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	return s.transcript.History(ctx, conversationID, limit, offset)
}

// SaveUploadedFile stores content and returns the reference to attach to a
// later message.
func (s *Service) SaveUploadedFile(filename string, content []byte) (string, error) {
	if s.uploads == nil {
		return "", ErrUploadsDisabled
	}
	return s.uploads.Save(filename, content)
}

// CancelTask cancels a task explicitly. Its stream still ends with a final
// message saying so.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	return s.dispatcher.Cancel(ctx, taskID)
}

// GetTask returns the current snapshot of a task.
func (s *Service) GetTask(taskID string) (*task.Task, error) {
	return s.dispatcher.Get(taskID)
}

// Close stops waiting on outstanding tasks and waits for their pipelines to
// exit. Tasks that have not finished get no final message.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// saveMessage persists with its own timeout so a departed client cannot
// prevent the write.
func (s *Service) saveMessage(msg *transcript.Message) {
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := s.transcript.Append(saveCtx, msg); err != nil {
		s.logger.Error("failed to record agent message",
			"error", err,
			"conversation_id", msg.ConversationID,
			"task_id", msg.TaskID,
		)
		return
	}
	s.logger.Debug("agent message recorded",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"task_id", msg.TaskID,
	)
}
