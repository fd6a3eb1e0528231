package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/types"
)

// RunReport is the structured JSON report written by --report.
// All fields use json tags matching the documented contract.
type RunReport struct {
	RequestID     string `json:"request_id"`
	ExecutionID   string `json:"execution_id"`
	PluginID      string `json:"plugin_id"`
	PluginVersion string `json:"plugin_version,omitempty"`
	Handler       string `json:"handler,omitempty"`

	OK         bool            `json:"ok"`
	ExitCode   int             `json:"exit_code"`
	Error      *fault.Envelope `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`

	Backend     string `json:"backend"`
	WorkerID    string `json:"worker_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`

	Artifacts *ReportArtifacts  `json:"artifacts"`
	Metrics   *metrics.Snapshot `json:"metrics"`
}

// ReportArtifacts holds artifact stats in the report.
type ReportArtifacts struct {
	Collected int      `json:"collected"`
	Failed    int      `json:"failed"`
	IDs       []string `json:"ids,omitempty"`
}

// BuildRunReport composes a RunReport from one finished execution and a
// metrics snapshot. The exitCode is the process exit code that will be
// returned to the caller.
func BuildRunReport(req *types.ExecutionRequest, resp *types.BackendResponse, snap metrics.Snapshot, exitCode int) *RunReport {
	report := &RunReport{
		RequestID:     req.Descriptor.RequestID,
		ExecutionID:   req.ExecutionID,
		PluginID:      req.Descriptor.PluginID,
		PluginVersion: req.Descriptor.PluginVersion,
		Handler:       req.Handler().Key(),
		OK:            resp.OK,
		ExitCode:      exitCode,
		Error:         resp.Error,
		DurationMs:    resp.ExecutionTimeMs,
		Backend:       resp.Metadata.Backend,
		WorkerID:      resp.Metadata.WorkerID,
		WorkspaceID:   resp.Metadata.WorkspaceID,
		Artifacts: &ReportArtifacts{
			Collected: len(resp.ArtifactIDs),
			Failed:    len(resp.ArtifactFailures),
			IDs:       resp.ArtifactIDs,
		},
		Metrics: &snap,
	}
	if meta := resp.Metadata.Meta; meta != nil && meta.HandlerID != "" {
		report.Handler = meta.HandlerID
	}
	return report
}

// WriteRunReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr so stdout keeps the result payload.
func WriteRunReport(report *RunReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}

	if path == "-" {
		if err := writeRunReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// writeRunReportTo writes report JSON to any writer (for testing).
func writeRunReportTo(report *RunReport, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
