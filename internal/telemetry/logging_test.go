package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	var stdout bytes.Buffer
	logger, closer, err := NewLogger(Options{Level: "debug", Stdout: &stdout})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "command", "ping")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v (raw %q)", err, stdout.String())
	}
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["command"] != "ping" {
		t.Fatalf("expected command propagation, got %#v", entry["command"])
	}
}

func TestNewLogger_WritesFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "herald.jsonl")
	var stdout bytes.Buffer
	logger, closer, err := NewLogger(Options{Level: "info", File: path, Stdout: &stdout})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"hello"`) {
		t.Fatalf("expected hello in file sink, got %q", raw)
	}
	if stdout.Len() == 0 {
		t.Fatalf("expected stdout to receive the entry too")
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	var stdout bytes.Buffer
	logger, closer, err := NewLogger(Options{Level: "info", Stdout: &stdout})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"bot_token", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["bot_token"] != "[REDACTED]" {
		t.Fatalf("expected bot_token redaction, got %#v", entry["bot_token"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
