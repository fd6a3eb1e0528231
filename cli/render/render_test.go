package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/kilnbox/cli/reader"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"table", FormatTable, false},
		{"yaml", FormatYAML, false},
		{"", "", false},
		{"xml", "", true},
		{"csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseFormat_ErrorNamesValidFormats(t *testing.T) {
	_, err := ParseFormat("xml")
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if !strings.Contains(err.Error(), "json, table, or yaml") {
		t.Errorf("error should list valid formats, got: %v", err)
	}
}

func TestRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, false, &buf)

	item := reader.PluginItem{ID: "demo", Version: "1.0.0", Handlers: 2}
	if err := r.Render(item); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"id": "demo"`) || !strings.Contains(got, `"handlers": 2`) {
		t.Errorf("JSON output missing fields: %s", got)
	}
}

func TestRenderer_YAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, false, &buf)

	if err := r.Render(map[string]string{"backend": "pool"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "backend:") || !strings.Contains(got, "pool") {
		t.Errorf("YAML output missing content: %s", got)
	}
}

func TestRenderer_TableStruct(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	detail := reader.SnapshotDetail{
		PluginID:   "demo",
		RequestID:  "req-1",
		CapturedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := r.Render(&detail); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "plugin_id:") || !strings.Contains(got, "demo") {
		t.Errorf("table missing plugin id: %s", got)
	}
	if !strings.Contains(got, "request_id:") || !strings.Contains(got, "req-1") {
		t.Errorf("table missing request id: %s", got)
	}
}

func TestRenderer_TableSlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	items := []reader.PluginItem{
		{ID: "alpha", Version: "1.0.0"},
		{ID: "beta", Version: "2.0.0"},
	}
	if err := r.Render(items); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "id") || !strings.Contains(got, "version") {
		t.Errorf("table missing header row: %s", got)
	}
	if !strings.Contains(got, "alpha") || !strings.Contains(got, "beta") {
		t.Errorf("table missing data rows: %s", got)
	}
}

func TestRenderer_TableEmptySlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	if err := r.Render([]reader.SnapshotItem{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("empty slice should print (no results), got: %s", buf.String())
	}
}

func TestRenderer_NoColorDoesNotAffectJSON(t *testing.T) {
	var withColor, without bytes.Buffer
	data := map[string]string{"key": "value"}

	if err := NewRendererWithWriter(FormatJSON, false, &withColor).Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if err := NewRendererWithWriter(FormatJSON, true, &without).Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if withColor.String() != without.String() {
		t.Error("--no-color should not change JSON output")
	}
}
