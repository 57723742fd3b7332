// ABOUTME: Entry point for the coven-orchestrator server and its client commands
// ABOUTME: Runs the Agent Manager and Chat services, or talks to a running instance

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/coven-orchestrator/internal/config"
	"github.com/2389/coven-orchestrator/internal/gateway"
	"github.com/2389/coven-orchestrator/internal/rpc"
	"github.com/2389/coven-orchestrator/internal/telemetry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___  _ __ ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____ / _ \| '__/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| (_) | | | (__| | | |
 \___\___/ \_/ \___|_| |_|      \___/|_|  \___|_| |_|
`

// getConfigPath returns the path to the orchestrator config file.
// Priority: COVEN_CONFIG env var > XDG_CONFIG_HOME/coven/orchestrator.yaml > ~/.config/coven/orchestrator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "orchestrator.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "orchestrator.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, true, nil
}

func usage() {
	fmt.Println("Usage: coven-orchestrator <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the orchestrator")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check orchestrator health")
	fmt.Println("  agents                         List registered agents")
	fmt.Println("  send [-c ID] [-a REF] TEXT     Send a chat message and stream the reply")
	fmt.Println("  upload FILE                    Upload a file and print its reference")
	fmt.Println("  history [-c ID] [-n N]         Print a conversation")
	fmt.Println("  watch TASK_ID                  Follow a task until it finishes")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "upload":
		err = runUpload(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, found, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s", configPath)
	if !found {
		yellow.Print(" (not found, using defaults)")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Media:     %s, %s\n", cfg.Media.UploadsDir, cfg.Media.VideosDir)

	if cfg.Telemetry.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tracing:   ")
		cyan.Print(cfg.Telemetry.ServiceName)
		gray.Printf(" -> %s", cfg.Telemetry.OTLPEndpoint)
		fmt.Println()
	}

	fmt.Println()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("flushing traces", "error", err)
			}
		}()
	}

	logger.Info("starting coven-orchestrator",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// httpGet fetches a path from the configured HTTP server.
func httpGet(ctx context.Context, path string) (int, []byte, error) {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return 0, nil, err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	code, _, err := httpGet(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", code)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	_, body, err := httpGet(ctx, "/api/agents")
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// dial opens a gRPC connection to the configured server.
func dial() (*grpc.ClientConn, error) {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

func dialChat() (*rpc.ChatClient, func(), error) {
	conn, err := dial()
	if err != nil {
		return nil, nil, err
	}
	return rpc.NewChatClient(conn), func() { conn.Close() }, nil
}

// runWatch follows one task's progress until it finishes.
func runWatch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: coven-orchestrator watch TASK_ID")
	}

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := rpc.NewAgentManagerClient(conn).StreamProgress(ctx, &rpc.StreamProgressRequest{TaskID: args[0]})
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for {
		p, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		gray.Printf("[%s %d%%] ", p.State, p.Progress)
		fmt.Println(p.PartialText)
		switch {
		case p.Error != nil:
			color.Red("%s: %s", p.Error.Kind, p.Error.Message)
		case p.Result != "":
			color.Green("%s", p.Result)
		}
	}
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func runSend(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("send", flag.ContinueOnError)
	conv := flags.String("c", "", "conversation ID")
	msgID := flags.String("id", "", "client message ID")
	var attachments multiFlag
	flags.Var(&attachments, "a", "attachment reference (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	text := strings.Join(flags.Args(), " ")
	if text == "" && len(attachments) == 0 {
		return errors.New("message text is required")
	}

	client, closeConn, err := dialChat()
	if err != nil {
		return err
	}
	defer closeConn()

	stream, err := client.SendMessageAndStream(ctx, &rpc.SendMessageRequest{
		ConversationID: *conv,
		MessageID:      *msgID,
		Text:           text,
		Attachments:    attachments,
	})
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch ev.Type {
		case "progress":
			gray.Fprintf(os.Stderr, "[%s %s %d%%]\n", ev.TaskID, ev.State, ev.Progress)
		case "partial_text":
			fmt.Print(ev.PartialText)
		case "final_message":
			fmt.Println()
			if ev.Message != nil {
				green.Println(ev.Message.Text)
				for _, a := range ev.Message.Attachments {
					fmt.Printf("  %s\n", a)
				}
			}
			return nil
		}
	}
}

func runUpload(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: coven-orchestrator upload FILE")
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	client, closeConn, err := dialChat()
	if err != nil {
		return err
	}
	defer closeConn()

	resp, err := client.SaveUploadedFile(ctx, &rpc.SaveUploadedFileRequest{
		Filename: filepath.Base(args[0]),
		Content:  content,
	})
	if err != nil {
		return err
	}
	fmt.Println(resp.InputReference)
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("history", flag.ContinueOnError)
	conv := flags.String("c", "", "conversation ID")
	limit := flags.Int("n", 0, "maximum messages (0 for all)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	client, closeConn, err := dialChat()
	if err != nil {
		return err
	}
	defer closeConn()

	resp, err := client.GetHistory(ctx, &rpc.GetHistoryRequest{
		ConversationID: *conv,
		Limit:          int32(*limit),
	})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	magenta := color.New(color.FgMagenta)
	for _, m := range resp.Messages {
		who := cyan
		if m.Sender == "agent" {
			who = magenta
		}
		who.Printf("%s %-5s ", m.CreatedAt.Local().Format("15:04:05"), m.Sender)
		fmt.Println(m.Text)
		for _, a := range m.Attachments {
			fmt.Printf("               %s\n", a)
		}
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-orchestrator configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	dataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", config.DefaultGRPCAddr)
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(dataPath, "orchestrator.db"))
	uploadsDir := prompt(reader, "Uploads directory", filepath.Join(dataPath, "uploads"))
	videosDir := prompt(reader, "Videos directory", filepath.Join(dataPath, "videos"))
	ffmpegPath := prompt(reader, "ffmpeg binary (empty to disable extraction)", "ffmpeg")

	fmt.Println("\n--- Agent Configuration ---")
	heartbeat := prompt(reader, "Heartbeat interval", config.DefaultHeartbeatInterval.String())
	singleInstance := isYes(prompt(reader, "One agent per capability?", "no"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", config.DefaultLogLevel)
	logFormat := prompt(reader, "Log format (color/text/json)", config.DefaultLogFormat)

	var cfg strings.Builder
	cfg.WriteString("# coven-orchestrator configuration\n")
	cfg.WriteString("# Generated by coven-orchestrator init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("  driver: \"sqlite\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  heartbeat_interval: %q\n", heartbeat))
	cfg.WriteString(fmt.Sprintf("  single_instance_per_capability: %t\n", singleInstance))
	cfg.WriteString("\n")

	cfg.WriteString("media:\n")
	cfg.WriteString(fmt.Sprintf("  uploads_dir: %q\n", uploadsDir))
	cfg.WriteString(fmt.Sprintf("  videos_dir: %q\n", videosDir))
	cfg.WriteString(fmt.Sprintf("  ffmpeg_path: %q\n", ffmpegPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("telemetry:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString(fmt.Sprintf("  otlp_endpoint: %q\n", telemetry.DefaultEndpoint))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-orchestrator serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
