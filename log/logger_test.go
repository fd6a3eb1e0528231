package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_ChildBindings(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf).Child(map[string]any{
		"plugin":     "demo",
		"request_id": "req-1",
	})

	logger.Info("handler started", map[string]any{"handler": "echo"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry["plugin"] != "demo" {
		t.Errorf("plugin = %v, want demo", entry["plugin"])
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", entry["request_id"])
	}
	if entry["message"] != "handler started" {
		t.Errorf("message = %v", entry["message"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["handler"] != "echo" {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_ChildIsHierarchical(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(&buf).Child(map[string]any{"plugin": "demo"})
	child := root.Child(map[string]any{"trace_id": "t-1"})

	child.Warn("slow phase", nil)

	line := buf.String()
	if !strings.Contains(line, `"plugin":"demo"`) {
		t.Errorf("child lost parent binding: %s", line)
	}
	if !strings.Contains(line, `"trace_id":"t-1"`) {
		t.Errorf("child binding missing: %s", line)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf)
	if !logger.DebugEnabled() {
		t.Fatal("writer logger should be debug-enabled")
	}

	info := New(Options{Level: "warn"})
	if info.DebugEnabled() {
		t.Error("warn-level logger reports debug enabled")
	}
}

func TestLogger_SugarFormatting(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf).Sugar().Infof("worker %s recycled after %d requests", "w-1", 1000)

	if !strings.Contains(buf.String(), "worker w-1 recycled after 1000 requests") {
		t.Errorf("formatted message missing: %s", buf.String())
	}
}

func TestNop_DiscardsEverything(t *testing.T) {
	logger := Nop()
	logger.Error("nothing", map[string]any{"k": "v"})
	logger.Child(map[string]any{"a": 1}).Info("still nothing", nil)
}
