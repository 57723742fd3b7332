// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Wires the agent manager, chat service, transcript, and media collaborators into one lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-orchestrator/internal/agent"
	"github.com/2389/coven-orchestrator/internal/chat"
	"github.com/2389/coven-orchestrator/internal/config"
	"github.com/2389/coven-orchestrator/internal/dedupe"
	"github.com/2389/coven-orchestrator/internal/dispatch"
	"github.com/2389/coven-orchestrator/internal/media"
	"github.com/2389/coven-orchestrator/internal/rpc"
	"github.com/2389/coven-orchestrator/internal/task"
	"github.com/2389/coven-orchestrator/internal/transcript"
)

// Gateway orchestrates the coven-orchestrator server components.
// It serves the AgentManager and Chat gRPC services plus the HTTP API.
type Gateway struct {
	config     *config.Config
	dispatch   *dispatch.Manager
	chat       *chat.Service
	transcript transcript.Store
	dedupe     *dedupe.Cache
	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	// closing is closed when shutdown starts so long-lived streams end
	// instead of holding up GracefulStop.
	closing   chan struct{}
	closeOnce sync.Once
}

// initTranscript opens the transcript database named by the config.
func initTranscript(cfg *config.Config) (transcript.Store, error) {
	s, err := transcript.NewSQLiteStore(cfg.Database.Path, cfg.Database.Driver)
	if err != nil {
		return nil, fmt.Errorf("initializing transcript store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates a gRPC server with keepalive and tracing.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Agents.HeartbeatTimeout,
		SweepInterval:     cfg.Agents.SweepInterval,
		AssignmentTimeout: cfg.Agents.AssignmentTimeout,
		TaskTimeout:       cfg.Agents.TaskTimeout,
		MaxRetries:        cfg.Agents.MaxRetries,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	store, err := initTranscript(cfg)
	if err != nil {
		return nil, err
	}

	uploads, err := media.NewUploadStore(cfg.Media.UploadsDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initializing upload store: %w", err)
	}
	ingestor, err := media.NewFileIngestor(media.IngestorOptions{
		VideosDir:     cfg.Media.VideosDir,
		FFmpegPath:    cfg.Media.FFmpegPath,
		SampleRate:    cfg.Media.SampleRate,
		FrameInterval: cfg.Media.FrameInterval,
		Logger:        logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initializing ingestor: %w", err)
	}

	registry := agent.NewRegistry(agent.Options{
		SingleInstancePerCapability: cfg.Agents.SingleInstancePerCapability,
		QueueSize:                   cfg.Agents.QueueSize,
		Logger:                      logger,
	})
	manager := dispatch.New(dispatchConfig(cfg), registry, task.NewStore(logger), logger)

	dedupeCache := dedupe.New(dedupe.Options{
		TTL:     cfg.Chat.DedupeTTL,
		MaxSize: cfg.Chat.DedupeSize,
	})

	chatService := chat.New(chat.Options{
		Transcript: store,
		Dispatcher: manager,
		Ingestor:   ingestor,
		Uploads:    uploads,
		Dedupe:     dedupeCache,
		Logger:     logger,
	})

	gw := &Gateway{
		config:     cfg,
		dispatch:   manager,
		chat:       chatService,
		transcript: store,
		dedupe:     dedupeCache,
		grpcServer: createGRPCServer(),
		logger:     logger.With("component", "gateway"),
		closing:    make(chan struct{}),
	}

	rpc.RegisterAgentManagerServer(gw.grpcServer, newAgentManagerServer(gw, logger.With("component", "grpc-agents")))
	rpc.RegisterChatServer(gw.grpcServer, newChatServer(gw, logger.With("component", "grpc-chat")))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP API. Exposed for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	g.registerAPIRoutes(mux)
	return mux
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the liveness sweep and both servers, then blocks until the
// context is canceled. Returns nil on graceful shutdown, or an error if a
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	g.dispatch.Start(ctx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		close(g.closing)

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		// Pipelines go first: they still write final messages to the transcript.
		g.chat.Close()
		g.dispatch.Stop()
		g.dedupe.Close()
		errs = appendCloseError(errs, "transcript close", g.transcript.Close())
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.dispatch.ListAgents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
