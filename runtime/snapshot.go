package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/iox"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/types"
)

// Snapshot retention and layout.
const (
	snapshotKeep    = 30
	snapshotSubdir  = ".kb/snapshots"
	snapshotTimeFmt = "20060102T150405.000"
)

// Snapshot is the persisted failure context of one execution, written
// for offline replay and inspection.
type Snapshot struct {
	CapturedAt    time.Time        `json:"capturedAt"`
	Host          types.HostKind   `json:"host,omitempty"`
	PluginID      string           `json:"pluginId"`
	PluginVersion string           `json:"pluginVersion,omitempty"`
	Handler       string           `json:"handler,omitempty"`
	RequestID     string           `json:"requestId"`
	ExecutionID   string           `json:"executionId,omitempty"`
	Input         json.RawMessage  `json:"input,omitempty"`
	HostContext   map[string]any   `json:"hostContext,omitempty"`
	// Env is the permitted environment, exactly what the handler saw.
	Env map[string]string `json:"env,omitempty"`
	// Error is the normalized failure envelope.
	Error *fault.Envelope `json:"error"`
	// Logs holds the tail of the execution's log stream.
	Logs []string `json:"logs,omitempty"`
	// Metrics is the collector snapshot at capture time.
	Metrics any `json:"metrics,omitempty"`
}

// SnapshotStore writes failure snapshots under a workspace, rotating
// to keep the most recent snapshotKeep files.
type SnapshotStore struct {
	logger *log.Logger
}

// NewSnapshotStore builds a store.
func NewSnapshotStore(logger *log.Logger) *SnapshotStore {
	if logger == nil {
		logger = log.Nop()
	}
	return &SnapshotStore{logger: logger}
}

// SnapshotDir returns the snapshot directory for a workspace.
func SnapshotDir(workspace string) string {
	return filepath.Join(workspace, filepath.FromSlash(snapshotSubdir))
}

// Write persists one snapshot and prunes old ones. Returns the written
// path. Best effort by contract: callers swallow the error after
// logging it.
func (s *SnapshotStore) Write(workspace string, snap *Snapshot) (string, error) {
	if workspace == "" {
		return "", fault.New(fault.KindWorkspace, "snapshot requires a workspace")
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}

	dir := SnapshotDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json",
		snap.CapturedAt.UTC().Format(snapshotTimeFmt),
		sanitizeFileComponent(snap.RequestID))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}

	s.prune(dir)
	return path, nil
}

// LoadSnapshot reads one snapshot file back.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snap := new(Snapshot)
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// ListSnapshots returns snapshot paths under a workspace, newest
// first. The timestamp prefix makes name order chronological.
func ListSnapshots(workspace string) ([]string, error) {
	dir := SnapshotDir(workspace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// prune removes everything beyond the retention window.
func (s *SnapshotStore) prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= snapshotKeep {
		return
	}
	sort.Strings(names)
	for _, n := range names[:len(names)-snapshotKeep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			s.logger.Warn("failed to prune snapshot", map[string]any{
				"file":  n,
				"error": err.Error(),
			})
		}
	}
}

// sanitizeFileComponent keeps request ids filename-safe.
func sanitizeFileComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
