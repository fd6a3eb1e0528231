// Package workspace leases working directories for plugin executions.
//
// A lease maps (workspace config, execution id, plugin root) to a
// concrete {workspaceId, cwd, pluginRoot, cleanup}. Local workspaces are
// deterministic so retries of the same execution reuse one directory.
// Ephemeral workspaces materialize a filtered copy of the plugin root
// and are removed on release.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/iox"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/types"
)

// Lease is the product of Manager.Lease. Cwd and PluginRoot are
// absolute. A lease is released exactly once; further releases are
// no-ops.
type Lease struct {
	WorkspaceID string
	Cwd         string
	PluginRoot  string
	// SnapshotID echoes the requested workspace snapshot, when set.
	// Restoring snapshot state is up to the caller.
	SnapshotID string

	cleanup  func() error
	released atomic.Bool
}

// Request asks for a workspace lease.
type Request struct {
	ExecutionID string
	PluginRoot  string
	Config      types.WorkspaceConfig
}

// Manager materializes and releases workspaces under a root directory.
type Manager struct {
	root   string
	logger *log.Logger
}

// NewManager creates a Manager rooted at root. An empty root falls back
// to a directory under the system temp dir.
func NewManager(root string, logger *log.Logger) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "kilnbox-ws")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, fmt.Sprintf("resolve workspace root %q", root), err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, "create workspace root", err)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{root: abs, logger: logger}, nil
}

// Root returns the manager's base directory.
func (m *Manager) Root() string { return m.root }

// WorkspaceID derives the deterministic workspace id for an execution.
// Same execution id, same workspace id.
func WorkspaceID(executionID string) string {
	sum := sha256.Sum256([]byte(executionID))
	return "ws-" + hex.EncodeToString(sum[:])[:16]
}

// Lease materializes a workspace for req. All failures carry
// WORKSPACE_ERROR.
func (m *Manager) Lease(ctx context.Context, req Request) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, "workspace lease canceled", err)
	}
	if req.ExecutionID == "" {
		return nil, fault.New(fault.KindWorkspace, "workspace lease requires an execution id")
	}
	if req.PluginRoot == "" {
		return nil, fault.New(fault.KindWorkspace, "workspace lease requires a plugin root")
	}
	pluginRoot, err := filepath.Abs(req.PluginRoot)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, fmt.Sprintf("resolve plugin root %q", req.PluginRoot), err)
	}

	id := WorkspaceID(req.ExecutionID)

	switch req.Config.Kind {
	case types.WorkspaceLocal, "":
		return m.leaseLocal(id, pluginRoot, req.Config)
	case types.WorkspaceEphemeral:
		return m.leaseEphemeral(id, pluginRoot, req.Config)
	default:
		return nil, fault.Errorf(fault.KindWorkspace, "unknown workspace kind %q", req.Config.Kind)
	}
}

func (m *Manager) leaseLocal(id, pluginRoot string, cfg types.WorkspaceConfig) (*Lease, error) {
	cwd := cfg.Cwd
	if cwd == "" {
		cwd = filepath.Join(m.root, id)
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, fmt.Sprintf("resolve cwd %q", cwd), err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, "create workspace directory", err)
	}
	return &Lease{
		WorkspaceID: id,
		Cwd:         abs,
		PluginRoot:  pluginRoot,
		SnapshotID:  cfg.SnapshotID,
	}, nil
}

func (m *Manager) leaseEphemeral(id, pluginRoot string, cfg types.WorkspaceConfig) (*Lease, error) {
	if cfg.Repo != "" || cfg.Ref != "" || cfg.Commit != "" {
		return nil, fault.New(fault.KindWorkspace, "repo checkout workspaces are not supported")
	}

	dir := filepath.Join(m.root, id)
	// Retries reuse the same id; start from a clean tree.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, "reset ephemeral workspace", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, "create ephemeral workspace", err)
	}

	if err := copyFiltered(pluginRoot, dir, cfg.Filter); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fault.Wrap(fault.KindWorkspace, "materialize ephemeral workspace", err)
	}

	cwd := dir
	if cfg.Cwd != "" {
		sub := filepath.Join(dir, cfg.Cwd)
		rel, err := filepath.Rel(dir, sub)
		if err != nil || rel == ".." || len(rel) > 1 && rel[:2] == ".." {
			_ = os.RemoveAll(dir)
			return nil, fault.Errorf(fault.KindWorkspace, "cwd %q escapes the ephemeral workspace", cfg.Cwd)
		}
		if err := os.MkdirAll(sub, 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fault.Wrap(fault.KindWorkspace, "create workspace cwd", err)
		}
		cwd = sub
	}

	return &Lease{
		WorkspaceID: id,
		Cwd:         cwd,
		PluginRoot:  dir,
		SnapshotID:  cfg.SnapshotID,
		cleanup:     func() error { return os.RemoveAll(dir) },
	}, nil
}

// Release frees a lease. It is idempotent and never fails; cleanup
// errors are logged.
func (m *Manager) Release(l *Lease) {
	if l == nil {
		return
	}
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if l.cleanup == nil {
		return
	}
	if err := l.cleanup(); err != nil {
		m.logger.Warn("workspace cleanup failed", map[string]any{
			"workspaceId": l.WorkspaceID,
			"error":       err.Error(),
		})
	}
}

// copyFiltered copies regular files from src to dst subject to
// doublestar include/exclude patterns on slash-relative paths.
// Symlinks and special files are skipped. Directories matching an
// exclude pattern are pruned whole.
func copyFiltered(src, dst string, filter types.WorkspaceFilter) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if d.IsDir() {
			for _, pat := range filter.Exclude {
				if ok, _ := doublestar.Match(pat, relSlash); ok {
					return fs.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !fileSelected(relSlash, filter) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func fileSelected(relSlash string, filter types.WorkspaceFilter) bool {
	for _, pat := range filter.Exclude {
		if ok, _ := doublestar.Match(pat, relSlash); ok {
			return false
		}
	}
	if len(filter.Include) == 0 {
		return true
	}
	for _, pat := range filter.Include {
		if ok, _ := doublestar.Match(pat, relSlash); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(in)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		iox.DiscardClose(out)
		return err
	}
	return out.Close()
}
