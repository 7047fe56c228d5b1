package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup should not panic
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestLoggerOddAndNonStringArgs(t *testing.T) {
	Setup("info", "console")
	Log.Info("odd args", "key1", "value1", "orphan_key")
	Log.Info("test non-string key", 123, "value")
	Log.Info("test nil value", "key", nil)
}

func TestWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	worker := Log.With("rank", 1, "world_size", 2)
	worker.Info("check passed", "check", "column")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["rank"] != float64(1) {
		t.Errorf("expected rank 1, got %v", entry["rank"])
	}
	if entry["world_size"] != float64(2) {
		t.Errorf("expected world_size 2, got %v", entry["world_size"])
	}
	if entry["check"] != "column" {
		t.Errorf("expected check field, got %v", entry["check"])
	}
}

func TestErrorFieldsUseErrorString(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Error("launch failed", "error", errors.New("address already in use"))
	if !strings.Contains(buf.String(), `"error":"address already in use"`) {
		t.Errorf("expected error string in output, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")
	defer Setup("info", "console")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below error level, got %q", buf.String())
	}
	Log.Error("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected error message, got %q", buf.String())
	}
}
