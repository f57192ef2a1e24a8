package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := LogLevelFromString(tt.level); got != tt.expected {
				t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn record missing: %s", buf.String())
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})
	logger.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("unexpected text output: %s", buf.String())
	}
}

func TestNewLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddGuildID(ctx, "guild-1")
	ctx = AddResourceID(ctx, "vc-1")
	logger.InfoContext(ctx, "created")

	entry := decodeLine(t, &buf)
	for key, want := range map[string]string{"request_id": "req-1", "guild_id": "guild-1", "resource_id": "vc-1"} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %q", key, entry[key], want)
		}
	}
}

func TestNewLogger_ContextFieldsSurviveWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).With("component", "reconciler")
	logger.InfoContext(AddRequestID(context.Background(), "req-2"), "tick")

	entry := decodeLine(t, &buf)
	if entry["component"] != "reconciler" || entry["request_id"] != "req-2" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewLogger_Redaction(t *testing.T) {
	token := "MTE2NjQ4NzU0MjExNTgyMjc4Mg.GxYzAb.abcdefghijklmnopqrstuvwxyz0123456789"

	tests := []struct {
		name string
		log  func(*slog.Logger)
	}{
		{name: "token in message attr", log: func(l *slog.Logger) { l.Info("connecting", "detail", "using "+token) }},
		{name: "sensitive key", log: func(l *slog.Logger) { l.Info("config", "bot_token", "plain-value") }},
		{name: "error value", log: func(l *slog.Logger) { l.Error("failed", "error", errors.New("auth failed for Bot "+token)) }},
		{name: "dsn", log: func(l *slog.Logger) { l.Info("db", "url", "postgres://user:hunter22@db:5432/eph") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(LogConfig{Output: &buf}))
			out := buf.String()
			if strings.Contains(out, token) || strings.Contains(out, "plain-value") || strings.Contains(out, "hunter22") {
				t.Fatalf("secret leaked: %s", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Fatalf("expected redaction marker: %s", out)
			}
		})
	}
}
