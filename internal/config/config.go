// ABOUTME: Configuration loading and parsing for coven-orchestrator
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion, and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-orchestrator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Media     MediaConfig     `yaml:"media" toml:"media"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds transcript database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver"`
}

// AgentsConfig holds agent liveness, timeout and retry settings
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	AssignmentTimeout time.Duration `yaml:"-" toml:"-"`
	TaskTimeout       time.Duration `yaml:"-" toml:"-"`

	MaxRetries                  int  `yaml:"max_retries" toml:"max_retries"`
	SingleInstancePerCapability bool `yaml:"single_instance_per_capability" toml:"single_instance_per_capability"`
	QueueSize                   int  `yaml:"queue_size" toml:"queue_size"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	AssignmentTimeoutRaw string `yaml:"assignment_timeout" toml:"assignment_timeout"`
	TaskTimeoutRaw       string `yaml:"task_timeout" toml:"task_timeout"`
}

// MediaConfig holds upload and ingestion locations
type MediaConfig struct {
	UploadsDir string `yaml:"uploads_dir" toml:"uploads_dir"`
	VideosDir  string `yaml:"videos_dir" toml:"videos_dir"`
	// FFmpegPath enables audio and frame extraction. Empty disables it.
	FFmpegPath    string        `yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	SampleRate    int           `yaml:"sample_rate" toml:"sample_rate"`
	FrameInterval time.Duration `yaml:"-" toml:"-"`

	FrameIntervalRaw string `yaml:"frame_interval" toml:"frame_interval"`
}

// ChatConfig holds chat service settings
type ChatConfig struct {
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`
	DedupeSize int           `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
}

// Defaults for optional fields.
const (
	DefaultGRPCAddr          = "localhost:50051"
	DefaultHTTPAddr          = "localhost:8080"
	DefaultDatabasePath      = "./coven-orchestrator.db"
	DefaultDatabaseDriver    = "sqlite"
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultAssignmentTimeout = 30 * time.Second
	DefaultTaskTimeout       = 10 * time.Minute
	DefaultMaxRetries        = 3
	DefaultQueueSize         = 8
	DefaultUploadsDir        = "./data/uploads"
	DefaultVideosDir         = "./data/videos"
	DefaultSampleRate        = 16000
	DefaultFrameInterval     = time.Second
	DefaultDedupeTTL         = 5 * time.Minute
	DefaultDedupeSize        = 10000
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "color"
	DefaultServiceName       = "coven-orchestrator"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config is loaded first without overriding variables
// already set. Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		cfg.Database.Path = envPath
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads path into the environment if it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = 3 * c.Agents.HeartbeatInterval
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultSweepInterval
	}
	if c.Agents.AssignmentTimeout == 0 {
		c.Agents.AssignmentTimeout = DefaultAssignmentTimeout
	}
	if c.Agents.TaskTimeout == 0 {
		c.Agents.TaskTimeout = DefaultTaskTimeout
	}
	if c.Agents.MaxRetries == 0 {
		c.Agents.MaxRetries = DefaultMaxRetries
	}
	if c.Agents.QueueSize == 0 {
		c.Agents.QueueSize = DefaultQueueSize
	}

	if c.Media.UploadsDir == "" {
		c.Media.UploadsDir = DefaultUploadsDir
	}
	if c.Media.VideosDir == "" {
		c.Media.VideosDir = DefaultVideosDir
	}
	if c.Media.SampleRate == 0 {
		c.Media.SampleRate = DefaultSampleRate
	}
	if c.Media.FrameInterval == 0 {
		c.Media.FrameInterval = DefaultFrameInterval
	}

	if c.Chat.DedupeTTL == 0 {
		c.Chat.DedupeTTL = DefaultDedupeTTL
	}
	if c.Chat.DedupeSize == 0 {
		c.Chat.DedupeSize = DefaultDedupeSize
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return errors.New("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"agents.heartbeat_interval", c.Agents.HeartbeatInterval},
		{"agents.heartbeat_timeout", c.Agents.HeartbeatTimeout},
		{"agents.sweep_interval", c.Agents.SweepInterval},
		{"agents.assignment_timeout", c.Agents.AssignmentTimeout},
		{"agents.task_timeout", c.Agents.TaskTimeout},
		{"media.frame_interval", c.Media.FrameInterval},
		{"chat.dedupe_ttl", c.Chat.DedupeTTL},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	if c.Agents.HeartbeatInterval > 0 && c.Agents.HeartbeatTimeout > 0 &&
		c.Agents.HeartbeatTimeout < c.Agents.HeartbeatInterval {
		return errors.New("agents.heartbeat_timeout must be at least agents.heartbeat_interval")
	}
	if c.Agents.MaxRetries < 0 {
		return errors.New("agents.max_retries must not be negative")
	}
	if c.Agents.QueueSize < 0 {
		return errors.New("agents.queue_size must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "color", "text", "json":
	default:
		return fmt.Errorf("logging.format must be color, text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"assignment_timeout", cfg.Agents.AssignmentTimeoutRaw, &cfg.Agents.AssignmentTimeout},
		{"task_timeout", cfg.Agents.TaskTimeoutRaw, &cfg.Agents.TaskTimeout},
		{"frame_interval", cfg.Media.FrameIntervalRaw, &cfg.Media.FrameInterval},
		{"dedupe_ttl", cfg.Chat.DedupeTTLRaw, &cfg.Chat.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
