// Package config handles configuration loading for coven-orchestrator.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every field has a default, so an empty file is valid.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/orchestrator.yaml
//  3. ~/.config/coven/orchestrator.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML.
//
// # Environment
//
// A .env file in the same directory as the config is loaded first. It never
// overrides variables already present in the process environment.
//
// Configuration values can reference environment variables:
//
//	media:
//	  uploads_dir: "${COVEN_UPLOADS_DIR}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// COVEN_DB_PATH overrides database.path after decoding.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "localhost:50051"   # agents and chat clients
//	  http_addr: "localhost:8080"    # health, REST, SSE, WebSocket
//
//	database:
//	  path: "./coven-orchestrator.db"
//	  driver: "sqlite"               # sqlite (pure Go) or sqlite3 (cgo)
//
//	agents:
//	  heartbeat_interval: "2s"
//	  heartbeat_timeout: "6s"        # defaults to 3x heartbeat_interval
//	  sweep_interval: "5s"
//	  assignment_timeout: "30s"
//	  task_timeout: "10m"
//	  max_retries: 3
//	  single_instance_per_capability: false
//	  queue_size: 8
//
//	media:
//	  uploads_dir: "./data/uploads"
//	  videos_dir: "./data/videos"
//	  ffmpeg_path: "ffmpeg"          # empty disables audio and frame extraction
//	  sample_rate: 16000
//	  frame_interval: "1s"
//
//	chat:
//	  dedupe_ttl: "5m"
//	  dedupe_size: 10000
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "color"  # color, text, json
//
//	telemetry:
//	  enabled: false
//	  service_name: "coven-orchestrator"
//	  otlp_endpoint: "http://127.0.0.1:4318"
//	  insecure: false
//
// Durations use Go's time.ParseDuration syntax.
package config
