// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, .env files, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", "")

	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"
  driver: "sqlite3"

agents:
  heartbeat_interval: "1s"
  heartbeat_timeout: "4s"
  sweep_interval: "2s"
  assignment_timeout: "10s"
  task_timeout: "5m"
  max_retries: 5
  single_instance_per_capability: true
  queue_size: 4

media:
  uploads_dir: "/srv/uploads"
  videos_dir: "/srv/videos"
  ffmpeg_path: "ffmpeg"
  frame_interval: "2s"

chat:
  dedupe_ttl: "1m"
  dedupe_size: 500

logging:
  level: "debug"
  format: "json"

telemetry:
  enabled: true
  otlp_endpoint: "http://collector:4318"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite3")
	}

	if cfg.Agents.HeartbeatInterval != time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want %v", cfg.Agents.HeartbeatInterval, time.Second)
	}
	if cfg.Agents.HeartbeatTimeout != 4*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want %v", cfg.Agents.HeartbeatTimeout, 4*time.Second)
	}
	if cfg.Agents.SweepInterval != 2*time.Second {
		t.Errorf("Agents.SweepInterval = %v, want %v", cfg.Agents.SweepInterval, 2*time.Second)
	}
	if cfg.Agents.AssignmentTimeout != 10*time.Second {
		t.Errorf("Agents.AssignmentTimeout = %v, want %v", cfg.Agents.AssignmentTimeout, 10*time.Second)
	}
	if cfg.Agents.TaskTimeout != 5*time.Minute {
		t.Errorf("Agents.TaskTimeout = %v, want %v", cfg.Agents.TaskTimeout, 5*time.Minute)
	}
	if cfg.Agents.MaxRetries != 5 {
		t.Errorf("Agents.MaxRetries = %d, want 5", cfg.Agents.MaxRetries)
	}
	if !cfg.Agents.SingleInstancePerCapability {
		t.Error("Agents.SingleInstancePerCapability = false, want true")
	}
	if cfg.Agents.QueueSize != 4 {
		t.Errorf("Agents.QueueSize = %d, want 4", cfg.Agents.QueueSize)
	}

	if cfg.Media.UploadsDir != "/srv/uploads" {
		t.Errorf("Media.UploadsDir = %q, want %q", cfg.Media.UploadsDir, "/srv/uploads")
	}
	if cfg.Media.VideosDir != "/srv/videos" {
		t.Errorf("Media.VideosDir = %q, want %q", cfg.Media.VideosDir, "/srv/videos")
	}
	if cfg.Media.FFmpegPath != "ffmpeg" {
		t.Errorf("Media.FFmpegPath = %q, want %q", cfg.Media.FFmpegPath, "ffmpeg")
	}
	if cfg.Media.FrameInterval != 2*time.Second {
		t.Errorf("Media.FrameInterval = %v, want %v", cfg.Media.FrameInterval, 2*time.Second)
	}
	if cfg.Media.SampleRate != DefaultSampleRate {
		t.Errorf("Media.SampleRate = %d, want default %d", cfg.Media.SampleRate, DefaultSampleRate)
	}

	if cfg.Chat.DedupeTTL != time.Minute {
		t.Errorf("Chat.DedupeTTL = %v, want %v", cfg.Chat.DedupeTTL, time.Minute)
	}
	if cfg.Chat.DedupeSize != 500 {
		t.Errorf("Chat.DedupeSize = %d, want 500", cfg.Chat.DedupeSize)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}

	if !cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = false, want true")
	}
	if cfg.Telemetry.OTLPEndpoint != "http://collector:4318" {
		t.Errorf("Telemetry.OTLPEndpoint = %q", cfg.Telemetry.OTLPEndpoint)
	}
	if cfg.Telemetry.ServiceName != DefaultServiceName {
		t.Errorf("Telemetry.ServiceName = %q, want default %q", cfg.Telemetry.ServiceName, DefaultServiceName)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", "")

	configPath := writeConfig(t, "config.toml", `
[server]
grpc_addr = "127.0.0.1:6000"
http_addr = "127.0.0.1:6001"

[database]
path = "/var/lib/coven/transcript.db"

[agents]
heartbeat_interval = "3s"
max_retries = 2

[logging]
format = "text"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "127.0.0.1:6000" {
		t.Errorf("Server.GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "/var/lib/coven/transcript.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Database.Driver != DefaultDatabaseDriver {
		t.Errorf("Database.Driver = %q, want default %q", cfg.Database.Driver, DefaultDatabaseDriver)
	}
	if cfg.Agents.HeartbeatInterval != 3*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v", cfg.Agents.HeartbeatInterval)
	}
	// Timeout follows the interval when unset.
	if cfg.Agents.HeartbeatTimeout != 9*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 9s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.MaxRetries != 2 {
		t.Errorf("Agents.MaxRetries = %d, want 2", cfg.Agents.MaxRetries)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", "")

	cfg, err := Load(writeConfig(t, "config.yaml", "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Server != want.Server {
		t.Errorf("Server = %+v, want %+v", cfg.Server, want.Server)
	}
	if cfg.Database != want.Database {
		t.Errorf("Database = %+v, want %+v", cfg.Database, want.Database)
	}
	if cfg.Agents.HeartbeatInterval != 2*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want 2s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != 6*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 6s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.SweepInterval != 5*time.Second {
		t.Errorf("Agents.SweepInterval = %v, want 5s", cfg.Agents.SweepInterval)
	}
	if cfg.Agents.AssignmentTimeout != 30*time.Second {
		t.Errorf("Agents.AssignmentTimeout = %v, want 30s", cfg.Agents.AssignmentTimeout)
	}
	if cfg.Agents.TaskTimeout != 10*time.Minute {
		t.Errorf("Agents.TaskTimeout = %v, want 10m", cfg.Agents.TaskTimeout)
	}
	if cfg.Agents.MaxRetries != 3 {
		t.Errorf("Agents.MaxRetries = %d, want 3", cfg.Agents.MaxRetries)
	}
	if cfg.Chat.DedupeTTL != 5*time.Minute {
		t.Errorf("Chat.DedupeTTL = %v, want 5m", cfg.Chat.DedupeTTL)
	}
	if cfg.Logging.Format != "color" {
		t.Errorf("Logging.Format = %q, want color", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", "")
	t.Setenv("TEST_COVEN_GRPC", "10.0.0.1:50051")
	t.Setenv("TEST_COVEN_UPLOADS", "/tmp/coven-uploads")

	cfg, err := Load(writeConfig(t, "config.yaml", `
server:
  grpc_addr: "${TEST_COVEN_GRPC}"
media:
  uploads_dir: "${TEST_COVEN_UPLOADS}"
  videos_dir: "${TEST_COVEN_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "10.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "10.0.0.1:50051")
	}
	if cfg.Media.UploadsDir != "/tmp/coven-uploads" {
		t.Errorf("Media.UploadsDir = %q, want %q", cfg.Media.UploadsDir, "/tmp/coven-uploads")
	}
	// Unset variables expand to empty, which then takes the default.
	if cfg.Media.VideosDir != DefaultVideosDir {
		t.Errorf("Media.VideosDir = %q, want default %q", cfg.Media.VideosDir, DefaultVideosDir)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", "")
	t.Setenv("TEST_COVEN_PRESET", "from-process")
	t.Cleanup(func() { os.Unsetenv("TEST_COVEN_DOTENV_ADDR") })

	dir := t.TempDir()
	dotEnv := "TEST_COVEN_DOTENV_ADDR=127.0.0.1:7070\nTEST_COVEN_PRESET=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotEnv), 0644); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	content := "server:\n  http_addr: \"${TEST_COVEN_DOTENV_ADDR}\"\ntelemetry:\n  service_name: \"${TEST_COVEN_PRESET}\"\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7070" {
		t.Errorf("Server.HTTPAddr = %q, want value from .env", cfg.Server.HTTPAddr)
	}
	if cfg.Telemetry.ServiceName != "from-process" {
		t.Errorf("Telemetry.ServiceName = %q, .env must not override the process environment", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_DBPathOverride(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", ":memory:")

	cfg, err := Load(writeConfig(t, "config.yaml", "database:\n  path: ./ignored.db\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, ":memory:")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"invalid yaml", "config.yaml", "server:\n  grpc_addr: [unclosed\n", "parsing config file"},
		{"invalid toml", "config.toml", "[server\n", "parsing config file"},
		{"invalid duration", "config.yaml", "agents:\n  heartbeat_interval: soon\n", "heartbeat_interval"},
		{"unknown driver", "config.yaml", "database:\n  driver: postgres\n", "database.driver"},
		{"timeout below interval", "config.yaml", "agents:\n  heartbeat_interval: 5s\n  heartbeat_timeout: 1s\n", "heartbeat_timeout"},
		{"negative duration", "config.yaml", "agents:\n  task_timeout: -1s\n", "agents.task_timeout"},
		{"negative retries", "config.yaml", "agents:\n  max_retries: -1\n", "max_retries"},
		{"bad log level", "config.yaml", "logging:\n  level: loud\n", "logging.level"},
		{"bad log format", "config.yaml", "logging:\n  format: xml\n", "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_COVEN_A", "alpha")
	t.Setenv("TEST_COVEN_B", "beta")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${TEST_COVEN_A}", "alpha"},
		{"${TEST_COVEN_A}-${TEST_COVEN_B}", "alpha-beta"},
		{"x${TEST_COVEN_MISSING}y", "xy"},
		{"$TEST_COVEN_A", "$TEST_COVEN_A"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cfg := Default()
	cfg.Server.GRPCAddr = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "grpc_addr") {
		t.Errorf("Validate() = %v, want grpc_addr error", err)
	}

	cfg = Default()
	cfg.Database.Path = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Errorf("Validate() = %v, want database.path error", err)
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
