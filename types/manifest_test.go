package types

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestManifest_Validate(t *testing.T) {
	m := Manifest{
		ID:      "demo",
		Version: "1.0.0",
		Handlers: []HandlerDecl{
			{ID: "echo", File: "handlers/echo.lua"},
			{ID: "fetch", File: "handlers/fetch.lua", Export: "run"},
		},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	dup := m
	dup.Handlers = []HandlerDecl{
		{ID: "echo", File: "a.lua"},
		{ID: "echo", File: "b.lua"},
	}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate handler ids accepted")
	}

	noHandlers := Manifest{ID: "x", Version: "1"}
	if err := noHandlers.Validate(); err == nil {
		t.Error("empty handler list accepted")
	}
}

func TestHandlerDecl_RefDefaultsExportToID(t *testing.T) {
	h := HandlerDecl{ID: "echo", File: "handlers/echo.lua"}
	if got := h.Ref().Export; got != "echo" {
		t.Errorf("export = %q, want echo", got)
	}
	h.Export = "main"
	if got := h.Ref().Export; got != "main" {
		t.Errorf("export = %q, want main", got)
	}
}

func TestManifest_YAMLDecode(t *testing.T) {
	doc := `
id: notes
version: 2.1.0
trusted: true
capabilities: [cache, vectors]
handlers:
  - id: add
    file: handlers/add.lua
    route: POST /notes
    warmup: true
    inputSchema:
      type: object
      required: [text]
permissions:
  fs:
    mode: read
    allow: ["data/**"]
  jobs:
    submit:
      maxDurationMs: 60000
      perMinute: 5
quotas:
  timeoutMs: 30000
`
	var m Manifest
	if err := yaml.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !m.Trusted {
		t.Error("trusted not decoded")
	}
	h, ok := m.FindHandler("add")
	if !ok {
		t.Fatal("handler add not found")
	}
	if !h.Warmup || h.Route != "POST /notes" {
		t.Errorf("handler fields wrong: %+v", h)
	}
	if h.InputSchema["type"] != "object" {
		t.Errorf("inputSchema not decoded: %v", h.InputSchema)
	}
	if m.Permissions.Jobs.Submit == nil || m.Permissions.Jobs.Submit.PerMinute != 5 {
		t.Errorf("jobs submit grant not decoded: %+v", m.Permissions.Jobs)
	}
	if m.Quotas.TimeoutMs != 30000 {
		t.Errorf("quotas.timeoutMs = %d, want 30000", m.Quotas.TimeoutMs)
	}
}

func TestScheduleEntry_Validate(t *testing.T) {
	base := ScheduleEntry{
		ScheduleID: "sched-1",
		PluginID:   "demo",
		Handler:    HandlerRef{File: "h.lua", Export: "run"},
		Every:      "5m",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}

	both := base
	both.Cron = "* * * * *"
	if err := both.Validate(); err == nil {
		t.Error("cron+every accepted")
	}

	neither := base
	neither.Every = ""
	if err := neither.Validate(); err == nil {
		t.Error("empty recurrence accepted")
	}

	badInterval := base
	badInterval.Every = "5 parsecs"
	if err := badInterval.Validate(); err == nil {
		t.Error("bad interval accepted")
	}
}
