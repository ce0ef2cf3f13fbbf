package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesRedactedJSON(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("push accepted", "token", "123e4567-e89b-12d3-a456-426614174000", "message_id", "m1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "logs", "messagepusher.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(raw)
	if strings.Contains(out, "123e4567") {
		t.Fatalf("token leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", out)
	}
	if !strings.Contains(out, `"message_id":"m1"`) {
		t.Fatalf("expected message_id attr: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
