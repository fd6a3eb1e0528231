package runtime

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/types"
)

func reportFixtures() (*types.ExecutionRequest, *types.BackendResponse) {
	req := &types.ExecutionRequest{
		ExecutionID: "exec-1",
		Descriptor: types.Descriptor{
			Host:          types.HostCLI,
			PluginID:      "demo",
			PluginVersion: "1.2.0",
			RequestID:     "req-1",
		},
		PluginRoot: "/plugins/demo",
		HandlerRef: types.HandlerRef{File: "handlers/greet.js", Export: "greet"},
	}
	resp := &types.BackendResponse{
		OK:              true,
		Data:            map[string]any{"greeting": "hi"},
		ExecutionTimeMs: 128,
		ArtifactIDs:     []string{"out.json", "logs/run.log"},
		Metadata: types.ResponseMetadata{
			Backend:     BackendPool,
			WorkerID:    "w-3",
			WorkspaceID: "ws-exec-1",
		},
	}
	return req, resp
}

func TestBuildRunReport_MapsExecutionFields(t *testing.T) {
	req, resp := reportFixtures()
	resp.ArtifactFailures = []string{"huge.bin"}

	report := BuildRunReport(req, resp, metrics.Snapshot{}, 0)

	if report.RequestID != "req-1" || report.ExecutionID != "exec-1" {
		t.Errorf("identity = %s/%s, want req-1/exec-1", report.RequestID, report.ExecutionID)
	}
	if report.PluginID != "demo" || report.PluginVersion != "1.2.0" {
		t.Errorf("plugin = %s@%s, want demo@1.2.0", report.PluginID, report.PluginVersion)
	}
	if report.Handler != "handlers/greet.js#greet" {
		t.Errorf("handler = %q, want the handler ref key", report.Handler)
	}
	if !report.OK || report.ExitCode != 0 || report.Error != nil {
		t.Errorf("outcome = ok=%v exit=%d err=%v, want clean success", report.OK, report.ExitCode, report.Error)
	}
	if report.DurationMs != 128 {
		t.Errorf("durationMs = %d, want 128", report.DurationMs)
	}
	if report.Backend != BackendPool || report.WorkerID != "w-3" || report.WorkspaceID != "ws-exec-1" {
		t.Errorf("placement = %s/%s/%s, want pool metadata carried", report.Backend, report.WorkerID, report.WorkspaceID)
	}
	if report.Artifacts.Collected != 2 || report.Artifacts.Failed != 1 {
		t.Errorf("artifacts = %+v, want 2 collected 1 failed", report.Artifacts)
	}
}

func TestBuildRunReport_MetaHandlerIDWins(t *testing.T) {
	req, resp := reportFixtures()
	resp.Metadata.Meta = &types.ExecutionMeta{HandlerID: "greet"}

	report := BuildRunReport(req, resp, metrics.Snapshot{}, 0)
	if report.Handler != "greet" {
		t.Errorf("handler = %q, want the resolved manifest id", report.Handler)
	}
}

func TestBuildRunReport_FailureCarriesEnvelope(t *testing.T) {
	req, resp := reportFixtures()
	resp.OK = false
	resp.Data = nil
	resp.Error = fault.EnvelopeOf(fault.New(fault.KindTimeout, "handler timed out"))

	report := BuildRunReport(req, resp, metrics.Snapshot{}, 1)
	if report.OK || report.ExitCode != 1 {
		t.Errorf("outcome = ok=%v exit=%d, want failed exit 1", report.OK, report.ExitCode)
	}
	if report.Error == nil || report.Error.Code != fault.KindTimeout {
		t.Errorf("error = %+v, want TIMEOUT envelope", report.Error)
	}
}

func TestWriteRunReport_JSONContract(t *testing.T) {
	req, resp := reportFixtures()
	report := BuildRunReport(req, resp, metrics.Snapshot{}, 0)

	var buf bytes.Buffer
	if err := writeRunReportTo(report, &buf); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		t.Error("report output has no trailing newline")
	}

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	for _, key := range []string{
		"request_id", "execution_id", "plugin_id", "ok", "exit_code",
		"duration_ms", "backend", "artifacts", "metrics",
	} {
		if _, ok := doc[key]; !ok {
			t.Errorf("report JSON missing %q", key)
		}
	}
	arts, _ := doc["artifacts"].(map[string]any)
	if arts["collected"] != float64(2) {
		t.Errorf("artifacts.collected = %v, want 2", arts["collected"])
	}
}

func TestWriteRunReport_RequiresPath(t *testing.T) {
	req, resp := reportFixtures()
	report := BuildRunReport(req, resp, metrics.Snapshot{}, 0)
	if err := WriteRunReport(report, ""); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestWriteRunReport_WritesFile(t *testing.T) {
	req, resp := reportFixtures()
	report := BuildRunReport(req, resp, metrics.Snapshot{}, 2)

	path := filepath.Join(t.TempDir(), "report.json")
	if err := WriteRunReport(report, path); err != nil {
		t.Fatalf("WriteRunReport failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report back: %v", err)
	}
	loaded := new(RunReport)
	if err := json.Unmarshal(data, loaded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if loaded.ExitCode != 2 || loaded.RequestID != "req-1" {
		t.Errorf("report = %+v, want exit 2 for req-1", loaded)
	}
}
