// ABOUTME: HTTP API handlers for agents, tasks, chat (SSE and WebSocket), history, and uploads
// ABOUTME: JSON in, JSON or server-sent events out, with {"error": ...} bodies on failure

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/coven-orchestrator/internal/chat"
	"github.com/2389/coven-orchestrator/internal/transcript"
)

// maxUploadBytes bounds POST /api/uploads bodies.
const maxUploadBytes = 256 << 20

// ChatRequest is the JSON request body for POST /api/chat and each
// WebSocket request frame.
type ChatRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageID      string   `json:"message_id,omitempty"`
	Sender         string   `json:"sender,omitempty"`
	Text           string   `json:"text"`
	Attachments    []string `json:"attachments,omitempty"`
}

// ChatStarted is the first event of every chat stream.
type ChatStarted struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Capability     string `json:"capability,omitempty"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string                `json:"conversation_id"`
	Messages       []*transcript.Message `json:"messages"`
}

// UploadResponse is the JSON response for POST /api/uploads.
type UploadResponse struct {
	InputReference string `json:"input_reference"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/tasks", g.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", g.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", g.handleTaskEvents)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", g.handleCancelTask)
	mux.HandleFunc("POST /api/chat", g.handleChat)
	mux.HandleFunc("GET /api/chat/ws", g.handleChatWebSocket)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleHistory)
	mux.HandleFunc("GET /api/conversations/{id}/transcript", g.handleTranscript)
	mux.HandleFunc("POST /api/uploads", g.handleUpload)
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.dispatch.ListAgents())
}

// handleListTasks handles GET /api/tasks, oldest first.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.dispatch.ListTasks())
}

// handleGetTask handles GET /api/tasks/{id}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.chat.GetTask(r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, t)
}

// handleTaskEvents handles GET /api/tasks/{id}/events. Each task event is
// sent as an SSE "task" event; the stream ends after the terminal one.
func (g *Gateway) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := g.dispatch.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for {
		select {
		case <-g.closing:
			g.writeSSEEvent(w, "error", map[string]string{"error": "server shutting down"})
			flusher.Flush()
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			g.writeSSEEvent(w, "task", ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// handleCancelTask handles POST /api/tasks/{id}/cancel and returns the
// task as it stands afterwards.
func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.chat.CancelTask(r.Context(), id); err != nil {
		g.sendError(w, err)
		return
	}
	t, err := g.chat.GetTask(id)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, t)
}

// handleChat handles POST /api/chat. The response is an SSE stream: one
// "started" event, then progress, partial_text and final_message events.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	resp, err := g.chat.SendMessageAndStream(r.Context(), req.toSendRequest())
	if err != nil {
		g.sendError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", startedFor(resp))
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, resp.Stream)
}

// streamEvents writes chat events as SSE until the final message.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan chat.Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-g.closing:
			g.writeSSEEvent(w, "error", map[string]string{"error": "server shutting down"})
			flusher.Flush()
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()

			if ev.Type == chat.EventFinalMessage {
				return
			}
		}
	}
}

// handleHistory handles GET /api/conversations/{id}/messages?limit=&offset=.
// A missing limit returns every message.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv := r.PathValue("id")
	msgs, err := g.chat.GetHistory(r.Context(), conv, limit, offset)
	if err != nil {
		g.logger.Error("failed to get history", "conversation_id", conv, "error", err)
		g.sendError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*transcript.Message{}
	}

	g.writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: conv, Messages: msgs})
}

// handleTranscript handles GET /api/conversations/{id}/transcript.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")
	msgs, err := g.chat.GetHistory(r.Context(), conv, 0, 0)
	if err != nil {
		g.logger.Error("failed to get history", "conversation_id", conv, "error", err)
		g.sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderTranscript(w, conv, msgs); err != nil {
		g.logger.Error("failed to render transcript", "conversation_id", conv, "error", err)
	}
}

// handleUpload handles POST /api/uploads with a multipart "file" field.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	ref, err := g.chat.SaveUploadedFile(header.Filename, content)
	if err != nil {
		g.sendError(w, err)
		return
	}

	g.logger.Info("upload saved", "filename", header.Filename, "bytes", len(content))
	g.writeJSON(w, http.StatusCreated, UploadResponse{InputReference: ref})
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendError writes err with the status its kind maps to. Internal errors
// are not echoed to the client.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, code, "internal server error")
		return
	}
	g.sendJSONError(w, code, err.Error())
}

// parseChatRequest decodes a ChatRequest. Semantic validation is left to
// the chat service so every transport rejects the same inputs.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

func (req *ChatRequest) toSendRequest() *chat.SendRequest {
	return &chat.SendRequest{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Sender:         transcript.Sender(req.Sender),
		Text:           req.Text,
		Attachments:    req.Attachments,
	}
}

func startedFor(resp *chat.SendResponse) ChatStarted {
	return ChatStarted{
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		Capability:     string(resp.Capability),
	}
}

// queryInt parses a non-negative integer query parameter. Missing means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
