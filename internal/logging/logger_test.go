package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func jsonLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:  level,
		Format: "json",
		Output: buf,
		Sync:   true,
	})
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, LevelDebug)

	logger.Info("loop created", "backend", "ring", "entries", 256)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["message"] != "loop created" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["backend"] != "ring" {
		t.Errorf("backend = %v", entry["backend"])
	}
	if entry["entries"] != float64(256) {
		t.Errorf("entries = %v", entry["entries"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, LevelWarn)

	logger.Debug("not shown")
	logger.Info("not shown either")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("filtered levels leaked into output: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn level missing from output: %s", out)
	}
}

func TestContextBuilders(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, LevelDebug)

	logger.WithBackend("poll").WithFD(7).WithOp("read").Info("parked")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["backend"] != "poll" {
		t.Errorf("backend = %v", entry["backend"])
	}
	if entry["fd"] != float64(7) {
		t.Errorf("fd = %v", entry["fd"])
	}
	if entry["op"] != "read" {
		t.Errorf("op = %v", entry["op"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:   LevelInfo,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	})

	logger.Info("hello", "key", "value")
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "value") {
		t.Errorf("text output missing content: %s", out)
	}
}

func TestPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, LevelDebug)

	logger.Infof("worker %d of %d", 2, 8)

	if !strings.Contains(buf.String(), "worker 2 of 8") {
		t.Errorf("formatted message missing: %s", buf.String())
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	defer SetDefault(old)

	SetDefault(jsonLogger(&buf, LevelDebug))
	Info("via package function")

	if !strings.Contains(buf.String(), "via package function") {
		t.Errorf("default logger not used: %s", buf.String())
	}
}
