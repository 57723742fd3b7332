// ABOUTME: Tests for config path resolution and logger construction
// ABOUTME: Checks env precedence and each log format

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/2389/coven-orchestrator/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("COVEN_CONFIG", "/etc/coven.yaml")
		if got := getConfigPath(); got != "/etc/coven.yaml" {
			t.Errorf("getConfigPath() = %q, want /etc/coven.yaml", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv("COVEN_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		want := filepath.Join("/xdg", "coven", "orchestrator.yaml")
		if got := getConfigPath(); got != want {
			t.Errorf("getConfigPath() = %q, want %q", got, want)
		}
	})
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", "")
	cfg, found, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if found {
		t.Error("found = true for a missing file")
	}
	if cfg.Server.GRPCAddr != config.DefaultGRPCAddr {
		t.Errorf("GRPCAddr = %q, want default", cfg.Server.GRPCAddr)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	t.Setenv("COVEN_DB_PATH", "")
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadConfig(path); err == nil {
		t.Error("loadConfig() should reject an invalid level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(config.LoggingConfig{Level: "info", Format: "json"}, &buf))
	logger.With("component", "test").Debug("hidden")
	logger.With("component", "test").Info("hello", "task_id", "t1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not one JSON record: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["component"] != "test" || rec["task_id"] != "t1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := slog.New(newHandler(config.LoggingConfig{Level: "debug", Format: "color"}, &buf))
	logger.With("component", "dispatch").WithGroup("task").Warn("requeued", "id", "t1")
	logger.Debug("details")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "WRN requeued component=dispatch task.id=t1") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "DBG details") {
		t.Errorf("line 1 = %q", lines[1])
	}
}
