// ABOUTME: WebSocket chat endpoint streaming chat events as JSON frames
// ABOUTME: Each request frame starts one exchange; events are written until its final message

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-orchestrator/internal/chat"
)

// Frame types written on the WebSocket besides chat event types.
const (
	frameStarted = "started"
	frameError   = "error"
)

// wsFrame is a non-event frame: the start of an exchange or a rejected request.
type wsFrame struct {
	Type string `json:"type"`
	ChatStarted
	Error string `json:"error,omitempty"`
}

// handleChatWebSocket handles GET /api/chat/ws. The client writes
// ChatRequest frames; the server answers each with a started frame followed
// by chat events. A rejected request gets an error frame and the connection
// stays open.
func (g *Gateway) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("ws accept", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Shutdown ends the connection even while a read is blocked.
	go func() {
		select {
		case <-g.closing:
			conn.Close(websocket.StatusGoingAway, "server shutdown")
		case <-ctx.Done():
		}
	}()

	for {
		var req ChatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				g.logger.Debug("ws read error", "error", err)
			}
			return
		}

		if err := g.serveWebSocketExchange(ctx, conn, &req); err != nil {
			g.logger.Debug("ws write error", "error", err)
			return
		}
	}
}

// serveWebSocketExchange runs one chat exchange. The returned error is a
// write failure; chat errors are reported to the client as frames.
func (g *Gateway) serveWebSocketExchange(ctx context.Context, conn *websocket.Conn, req *ChatRequest) error {
	resp, err := g.chat.SendMessageAndStream(ctx, req.toSendRequest())
	if err != nil {
		if httpStatus(err) == http.StatusInternalServerError {
			g.logger.Error("ws chat request failed", "error", err)
		}
		return wsjson.Write(ctx, conn, wsFrame{Type: frameError, Error: err.Error()})
	}

	if err := wsjson.Write(ctx, conn, wsFrame{Type: frameStarted, ChatStarted: startedFor(resp)}); err != nil {
		return err
	}

	for ev := range resp.Stream {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return err
		}
		if ev.Type == chat.EventFinalMessage {
			return nil
		}
	}
	return ctx.Err()
}
