// ABOUTME: Media analysis agent that serves one capability for a coven-orchestrator
// ABOUTME: Runs the simulated transcription, vision, or generation handler over gRPC

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/coven-orchestrator/internal/task"
	"github.com/2389/coven-orchestrator/internal/worker"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "coven-media-agent",
		Usage:   "Serve one media analysis capability for coven-orchestrator",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "orchestrator gRPC address",
				Value:   "localhost:50051",
				Sources: cli.EnvVars("COVEN_ORCHESTRATOR_ADDR"),
			},
			&cli.StringFlag{
				Name:     "capability",
				Aliases:  []string{"c"},
				Usage:    "transcription, vision, or generation",
				Required: true,
				Sources:  cli.EnvVars("COVEN_AGENT_CAPABILITY"),
			},
			&cli.StringFlag{
				Name:    "name",
				Usage:   "display name (defaults to <capability>-agent)",
				Sources: cli.EnvVars("COVEN_AGENT_NAME"),
			},
			&cli.DurationFlag{
				Name:  "step-delay",
				Usage: "pause between simulated progress steps",
				Value: 500 * time.Millisecond,
			},
			&cli.DurationFlag{
				Name:  "retry-delay",
				Usage: "pause before registering again after losing the server",
				Value: 2 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: runAgent,
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	capability, err := task.ParseCapability(cmd.String("capability"))
	if err != nil {
		return err
	}
	name := cmd.String("name")
	if name == "" {
		name = string(capability) + "-agent"
	}

	handler, err := worker.Simulated(capability, cmd.Duration("step-delay"))
	if err != nil {
		return err
	}

	addr := cmd.String("addr")
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	runner, err := worker.NewRunner(conn, worker.Config{
		Capability: capability,
		Name:       name,
		Handler:    handler,
		RetryDelay: cmd.Duration("retry-delay"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting media agent", "addr", addr, "capability", capability, "name", name, "version", version)
	return runner.Run(ctx)
}
