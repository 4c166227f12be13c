package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseLevel / SetupLogger / SetLevel
// ---------------------------------------------------------------------------

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "error", ""}
	outputs := []string{"stdout", "stderr", ""}

	for _, format := range formats {
		for _, level := range levels {
			for _, output := range outputs {
				SetupLogger(format, level, output)
			}
		}
	}
	// Restore a sensible default so other tests in this binary are unaffected.
	SetupLogger("text", "error", "stdout")
}

func TestSetLevel_ChangesDefaultLogger(t *testing.T) {
	SetupLogger("text", "error", "stdout")
	defer SetupLogger("text", "error", "stdout")

	if Level() != slog.LevelError {
		t.Fatalf("Level() = %v, want error", Level())
	}
	SetLevel("debug")
	if Level() != slog.LevelDebug {
		t.Errorf("Level() = %v after SetLevel(debug)", Level())
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("default logger should accept debug records after SetLevel(debug)")
	}
}

// ---------------------------------------------------------------------------
// NewHandler
// ---------------------------------------------------------------------------

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelInfo, false))
	logger.Info("test message", "content_key", "abc")

	var obj map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if obj["msg"] != "test message" || obj["content_key"] != "abc" {
		t.Errorf("unexpected record: %v", obj)
	}
}

func TestNewHandler_TextAndLevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := slog.New(NewHandler(&buf, "text", lv, false))

	logger.Info("should be suppressed")
	logger.Warn("should appear", "env", "development")
	lv.Set(slog.LevelInfo)
	logger.Info("now visible")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Error("Info record appeared despite warn level")
	}
	if !strings.Contains(out, "env=development") || !strings.Contains(out, "now visible") {
		t.Errorf("unexpected output: %q", out)
	}
}
