// ABOUTME: Tests for the agent Runner against a live gateway over loopback gRPC
// ABOUTME: Covers the full chat flow, cancel notices, handler failures, and re-registration

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-orchestrator/internal/config"
	"github.com/2389/coven-orchestrator/internal/gateway"
	"github.com/2389/coven-orchestrator/internal/rpc"
	"github.com/2389/coven-orchestrator/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startGateway runs a gateway and returns a client connection to it.
func startGateway(t *testing.T) *grpc.ClientConn {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Database.Path = ":memory:"
	cfg.Media.UploadsDir = filepath.Join(dir, "uploads")
	cfg.Media.VideosDir = filepath.Join(dir, "videos")

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// startRunner runs a Runner until the test ends and waits for it to register.
func startRunner(t *testing.T, conn *grpc.ClientConn, capability task.Capability, h Handler) *Runner {
	t.Helper()
	r, err := NewRunner(conn, Config{
		Capability: capability,
		Name:       "test-" + string(capability),
		Handler:    h,
		RetryDelay: 20 * time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return r.AgentID() != "" }, 5*time.Second, 10*time.Millisecond)
	return r
}

// sendAndWait sends a chat message and collects events through the final message.
func sendAndWait(t *testing.T, conn *grpc.ClientConn, text string, attachments ...string) []*rpc.ChatEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := rpc.NewChatClient(conn).SendMessageAndStream(ctx, &rpc.SendMessageRequest{
		ConversationID: "c1",
		Text:           text,
		Attachments:    attachments,
	})
	require.NoError(t, err)

	var events []*rpc.ChatEvent
	for {
		ev, err := stream.Recv()
		require.NoError(t, err)
		events = append(events, ev)
		if ev.Type == "final_message" {
			return events
		}
	}
}

func upload(t *testing.T, conn *grpc.ClientConn) string {
	t.Helper()
	resp, err := rpc.NewChatClient(conn).SaveUploadedFile(context.Background(), &rpc.SaveUploadedFileRequest{
		Filename: "clip.mp4",
		Content:  []byte("not really a video"),
	})
	require.NoError(t, err)
	return resp.InputReference
}

func TestNewRunner_Validation(t *testing.T) {
	h := HandlerFunc(func(context.Context, Assignment, ReportFunc) (string, error) { return "", nil })

	_, err := NewRunner(nil, Config{Capability: "ocr", Handler: h})
	require.ErrorIs(t, err, task.ErrUnknownCapability)

	_, err = NewRunner(nil, Config{Capability: task.CapabilityVision})
	require.Error(t, err)
}

func TestRunner_TranscriptionEndToEnd(t *testing.T) {
	conn := startGateway(t)
	h, err := Simulated(task.CapabilityTranscription, 20*time.Millisecond)
	require.NoError(t, err)
	startRunner(t, conn, task.CapabilityTranscription, h)

	events := sendAndWait(t, conn, "please transcribe this", upload(t, conn))

	var partial string
	for _, ev := range events {
		if ev.Type == "partial_text" {
			partial += ev.PartialText
		}
	}
	assert.Equal(t, "Welcome to the demo recording. Today we walk through the upload flow. Thanks for watching.", partial)

	final := events[len(events)-1].Message
	require.NotNil(t, final)
	require.Len(t, final.Attachments, 1)
	artifact := final.Attachments[0]
	assert.Equal(t, "transcript.txt", filepath.Base(artifact))
	assert.Equal(t, "Done! transcription result is ready: "+artifact, final.Text)

	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Thanks for watching.")
}

func TestRunner_HandlerFailure(t *testing.T) {
	conn := startGateway(t)
	startRunner(t, conn, task.CapabilityGeneration, HandlerFunc(
		func(context.Context, Assignment, ReportFunc) (string, error) {
			return "", errors.New("model crashed")
		}))

	events := sendAndWait(t, conn, "make a summary", upload(t, conn))

	final := events[len(events)-1].Message
	require.NotNil(t, final)
	assert.Equal(t, "Sorry, the generation task failed (AgentError): model crashed", final.Text)
}

func TestRunner_CancelNoticeStopsHandler(t *testing.T) {
	conn := startGateway(t)

	started := make(chan struct{})
	stopped := make(chan struct{})
	startRunner(t, conn, task.CapabilityVision, HandlerFunc(
		func(ctx context.Context, _ Assignment, _ ReportFunc) (string, error) {
			close(started)
			<-ctx.Done()
			close(stopped)
			return "", ctx.Err()
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chat := rpc.NewChatClient(conn)
	stream, err := chat.SendMessageAndStream(ctx, &rpc.SendMessageRequest{
		ConversationID: "c1",
		Text:           "detect objects",
		Attachments:    []string{upload(t, conn)},
	})
	require.NoError(t, err)

	var taskID string
	for taskID == "" {
		ev, err := stream.Recv()
		require.NoError(t, err)
		if ev.Type == "progress" && ev.State == string(task.StateRunning) {
			taskID = ev.TaskID
		}
	}

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("handler never started")
	}

	require.NoError(t, chat.CancelTask(ctx, &rpc.CancelTaskRequest{TaskID: taskID}))

	select {
	case <-stopped:
	case <-ctx.Done():
		t.Fatal("handler was not cancelled")
	}

	for {
		ev, err := stream.Recv()
		require.NoError(t, err)
		if ev.Type == "final_message" {
			assert.Equal(t, "The vision task was cancelled.", ev.Message.Text)
			break
		}
	}
}

func TestRunner_ReregistersWhenForgotten(t *testing.T) {
	conn := startGateway(t)
	h, err := Simulated(task.CapabilityVision, 0)
	require.NoError(t, err)
	r := startRunner(t, conn, task.CapabilityVision, h)

	first := r.AgentID()
	client := rpc.NewAgentManagerClient(conn)
	require.NoError(t, client.Deregister(context.Background(), &rpc.DeregisterRequest{AgentID: first}))

	require.Eventually(t, func() bool {
		id := r.AgentID()
		return id != "" && id != first
	}, 5*time.Second, 10*time.Millisecond)

	// The new registration serves work.
	events := sendAndWait(t, conn, "what do you see", upload(t, conn))
	final := events[len(events)-1].Message
	require.NotNil(t, final)
	assert.Equal(t, "detections.json", filepath.Base(final.Attachments[0]))
}

func TestRunner_DeregistersOnStop(t *testing.T) {
	conn := startGateway(t)
	h, err := Simulated(task.CapabilityTranscription, 0)
	require.NoError(t, err)

	r, err := NewRunner(conn, Config{Capability: task.CapabilityTranscription, Handler: h, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.AgentID() != "" }, 5*time.Second, 10*time.Millisecond)
	id := r.AgentID()

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.AgentID())

	err = rpc.NewAgentManagerClient(conn).Heartbeat(context.Background(), &rpc.HeartbeatRequest{AgentID: id})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRunner_SecondAgentFinishesRequeuedTask(t *testing.T) {
	conn := startGateway(t)

	// The first agent gets two thirds through and then stops.
	reached := make(chan struct{})
	first, err := NewRunner(conn, Config{
		Capability: task.CapabilityTranscription,
		Name:       "first",
		Handler: HandlerFunc(func(ctx context.Context, a Assignment, report ReportFunc) (string, error) {
			if err := report(ctx, 66, "Welcome to the demo recording. "); err != nil {
				return "", err
			}
			close(reached)
			<-ctx.Done()
			return "", ctx.Err()
		}),
		RetryDelay: 20 * time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	firstCtx, stopFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- first.Run(firstCtx) }()
	require.Eventually(t, func() bool { return first.AgentID() != "" }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := rpc.NewChatClient(conn).SendMessageAndStream(ctx, &rpc.SendMessageRequest{
		ConversationID: "c1",
		Text:           "please transcribe this",
		Attachments:    []string{upload(t, conn)},
	})
	require.NoError(t, err)

	select {
	case <-reached:
	case <-ctx.Done():
		t.Fatal("first agent never reported progress")
	}
	stopFirst()
	require.NoError(t, <-firstDone)

	h, err := Simulated(task.CapabilityTranscription, 0)
	require.NoError(t, err)
	startRunner(t, conn, task.CapabilityTranscription, h)

	var final *rpc.ChatEvent
	last := -1
	for final == nil {
		ev, err := stream.Recv()
		require.NoError(t, err)
		switch ev.Type {
		case "progress":
			assert.GreaterOrEqual(t, int(ev.Progress), last)
			last = int(ev.Progress)
		case "final_message":
			final = ev
		}
	}

	require.NotNil(t, final.Message)
	require.Len(t, final.Message.Attachments, 1)
	assert.Equal(t, "transcript.txt", filepath.Base(final.Message.Attachments[0]))
	assert.Equal(t, "Done! transcription result is ready: "+final.Message.Attachments[0], final.Message.Text)
}
