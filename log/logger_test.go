package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_ComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Options{Component: "reduce", Output: &buf})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("merged packets", map[string]any{"collection_id": "c-1"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["component"] != "reduce" {
		t.Errorf("component = %v, want reduce", entry["component"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["message"] != "merged packets" {
		t.Errorf("message = %v", entry["message"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["collection_id"] != "c-1" {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Options{Level: "warn", Output: &buf})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Debug("hidden", nil)
	logger.Info("hidden", nil)
	logger.Warn("shown", nil)
	logger.Error("shown", nil)

	if got := len(decodeLines(t, &buf)); got != 2 {
		t.Errorf("expected 2 lines at warn level, got %d", got)
	}
}

func TestParseLevel_Invalid(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := NewLogger(Options{Level: "verbose"}); err == nil {
		t.Error("expected NewLogger to reject invalid level")
	}
}

func TestLogger_NamedAndWith(t *testing.T) {
	var buf bytes.Buffer
	base, _ := NewLogger(Options{Output: &buf})

	base.Named("map").With(map[string]any{"worker_id": 3}).Info("batch done", nil)

	entry := decodeLines(t, &buf)[0]
	if entry["component"] != "map" {
		t.Errorf("component = %v, want map", entry["component"])
	}
	if entry["worker_id"] != float64(3) {
		t.Errorf("worker_id = %v, want 3", entry["worker_id"])
	}
}

func TestSugaredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Options{Component: "cli", Output: &buf})

	logger.Sugar().With("queue", "map").Infof("depth %d", 4)

	entry := decodeLines(t, &buf)[0]
	if entry["message"] != "depth 4" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["queue"] != "map" {
		t.Errorf("queue = %v", entry["queue"])
	}
}

func TestNewNop(_ *testing.T) {
	NewNop().Info("discarded", map[string]any{"k": "v"})
}
