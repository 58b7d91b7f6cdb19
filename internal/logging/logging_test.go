package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("stage", "extract").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["stage"] != "extract" || entry["message"] != "shown" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Format: "console"}, &buf)
	logger.Info().Msg("pretty")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "pretty") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}
