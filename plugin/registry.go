package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/types"
)

// ManifestFileName is the manifest file expected in each plugin root.
const ManifestFileName = "plugin.yaml"

// Entry is one registered plugin: its manifest, its root directory, and
// any native handlers bound into the host process.
type Entry struct {
	Manifest types.Manifest
	// Root is the absolute plugin root directory.
	Root string

	// handlers maps HandlerRef.Key() to a native implementation. Script
	// handlers have no entry here; backends resolve them by file path.
	handlers map[string]Handler
}

// Registry maps plugin ids to entries. It is the host's view of which
// plugins exist; backends consult it to resolve handler references and
// the invoke broker uses it to dispatch cross-plugin calls.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Entry)}
}

// Register adds a plugin. The manifest is validated; a duplicate id
// replaces the previous registration.
func (r *Registry) Register(manifest types.Manifest, root string, handlers map[string]Handler) error {
	if err := manifest.Validate(); err != nil {
		return fault.Wrap(fault.KindValidation, "invalid manifest", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fault.Wrap(fault.KindValidation, fmt.Sprintf("resolve plugin root %q", root), err)
	}

	keyed := make(map[string]Handler, len(handlers))
	for id, h := range handlers {
		decl, ok := manifest.FindHandler(id)
		if !ok {
			return fault.Errorf(fault.KindValidation,
				"handler %q is not declared in manifest %s", id, manifest.ID)
		}
		keyed[decl.Ref().Key()] = h
	}

	r.mu.Lock()
	r.plugins[manifest.ID] = &Entry{Manifest: manifest, Root: abs, handlers: keyed}
	r.mu.Unlock()
	return nil
}

// RegisterFunc binds one native handler function onto an already
// registered plugin.
func (r *Registry) RegisterFunc(pluginID, handlerID string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plugins[pluginID]
	if !ok {
		return fault.Errorf(fault.KindHandlerNotFound, "plugin %q is not registered", pluginID)
	}
	decl, ok := entry.Manifest.FindHandler(handlerID)
	if !ok {
		return fault.Errorf(fault.KindValidation,
			"handler %q is not declared in manifest %s", handlerID, pluginID)
	}
	if entry.handlers == nil {
		entry.handlers = make(map[string]Handler)
	}
	entry.handlers[decl.Ref().Key()] = fn
	return nil
}

// Get returns a plugin entry.
func (r *Registry) Get(pluginID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[pluginID]
	return e, ok
}

// Manifest returns a plugin's manifest.
func (r *Registry) Manifest(pluginID string) (*types.Manifest, bool) {
	e, ok := r.Get(pluginID)
	if !ok {
		return nil, false
	}
	m := e.Manifest
	return &m, true
}

// Root returns a plugin's root directory, or "".
func (r *Registry) Root(pluginID string) string {
	e, ok := r.Get(pluginID)
	if !ok {
		return ""
	}
	return e.Root
}

// IDs returns registered plugin ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve maps (pluginID, handlerID) to the handler declaration.
// An empty handlerID selects the plugin's first declared handler.
func (r *Registry) Resolve(pluginID, handlerID string) (*types.HandlerDecl, error) {
	e, ok := r.Get(pluginID)
	if !ok {
		return nil, fault.Errorf(fault.KindHandlerNotFound, "plugin %q is not registered", pluginID)
	}
	if handlerID == "" {
		decl := e.Manifest.Handlers[0]
		return &decl, nil
	}
	decl, ok := e.Manifest.FindHandler(handlerID)
	if !ok {
		return nil, fault.Errorf(fault.KindHandlerNotFound,
			"plugin %q declares no handler %q", pluginID, handlerID)
	}
	return decl, nil
}

// Lookup returns the native handler for a reference.
// An unregistered plugin or file yields HANDLER_NOT_FOUND; a registered
// but nil handler yields HANDLER_CONTRACT_ERROR.
func (r *Registry) Lookup(pluginID string, ref types.HandlerRef) (Handler, error) {
	e, ok := r.Get(pluginID)
	if !ok {
		return nil, fault.Errorf(fault.KindHandlerNotFound, "plugin %q is not registered", pluginID)
	}
	h, ok := e.handlers[ref.Key()]
	if !ok {
		return nil, fault.Errorf(fault.KindHandlerNotFound,
			"plugin %q has no native handler %s", pluginID, ref.Key())
	}
	if h == nil {
		return nil, fault.Errorf(fault.KindHandlerContract,
			"plugin %q registered a nil handler for %s", pluginID, ref.Key())
	}
	return h, nil
}

// NativeCount reports how many native handlers a plugin registered.
func (r *Registry) NativeCount(pluginID string) int {
	e, ok := r.Get(pluginID)
	if !ok {
		return 0
	}
	return len(e.handlers)
}

// LoadManifest reads and validates a plugin.yaml.
func LoadManifest(path string) (*types.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m types.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadDir registers every plugin found directly under dir. A plugin is
// a subdirectory containing a plugin.yaml. Returns the ids registered,
// sorted by directory name.
func (r *Registry) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		root := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(root, ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		m, err := LoadManifest(manifestPath)
		if err != nil {
			return ids, err
		}
		if err := r.Register(*m, root, nil); err != nil {
			return ids, err
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}
