package types

import (
	"errors"
	"fmt"
)

// HandlerDecl declares one handler in a plugin manifest.
type HandlerDecl struct {
	// ID is the handler's manifest identifier.
	ID string `json:"id" yaml:"id"`
	// File/Export locate the callable relative to the plugin root.
	File   string `json:"file" yaml:"file"`
	Export string `json:"export,omitempty" yaml:"export,omitempty"`
	// Route binds the handler to an HTTP host route ("GET /things").
	Route string `json:"route,omitempty" yaml:"route,omitempty"`
	// Command binds the handler to a CLI host command.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// InputSchema/OutputSchema are JSON Schema documents validated by
	// the orchestrator. Nil skips validation.
	InputSchema  map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
	// Warmup marks the handler for pool warmup (warmup mode "marked").
	Warmup bool `json:"warmup,omitempty" yaml:"warmup,omitempty"`
}

// Ref returns the handler reference, defaulting Export to the id.
func (h *HandlerDecl) Ref() HandlerRef {
	export := h.Export
	if export == "" {
		export = h.ID
	}
	return HandlerRef{File: h.File, Export: export}
}

// Manifest identifies a plugin and declares its contract with the
// platform. Manifests are consumed as immutable inputs; the core never
// authors or mutates them.
type Manifest struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version" yaml:"version"`
	// Handlers lists the plugin's callable entries.
	Handlers []HandlerDecl `json:"handlers" yaml:"handlers"`
	// Capabilities are platform services the plugin requires.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// Permissions declare what the plugin may access.
	Permissions PermissionSpec `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	// Quotas bound overall resource usage.
	Quotas Quotas `json:"quotas,omitempty" yaml:"quotas,omitempty"`
	// Trusted marks the plugin as eligible for in-process execution.
	Trusted bool `json:"trusted,omitempty" yaml:"trusted,omitempty"`
}

// Validate checks manifest shape.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return errors.New("manifest id must be non-empty")
	}
	if m.Version == "" {
		return errors.New("manifest version must be non-empty")
	}
	if len(m.Handlers) == 0 {
		return fmt.Errorf("manifest %s declares no handlers", m.ID)
	}
	seen := make(map[string]struct{}, len(m.Handlers))
	for i := range m.Handlers {
		h := &m.Handlers[i]
		if h.ID == "" {
			return fmt.Errorf("manifest %s: handler %d has no id", m.ID, i)
		}
		if _, dup := seen[h.ID]; dup {
			return fmt.Errorf("manifest %s: duplicate handler id %q", m.ID, h.ID)
		}
		seen[h.ID] = struct{}{}
		if err := h.Ref().Validate(); err != nil {
			return fmt.Errorf("manifest %s: handler %q: %w", m.ID, h.ID, err)
		}
	}
	return nil
}

// FindHandler returns the handler declaration with the given id.
func (m *Manifest) FindHandler(id string) (*HandlerDecl, bool) {
	for i := range m.Handlers {
		if m.Handlers[i].ID == id {
			return &m.Handlers[i], true
		}
	}
	return nil, false
}

// FindHandlerByRef returns the declaration matching a handler reference.
func (m *Manifest) FindHandlerByRef(ref HandlerRef) (*HandlerDecl, bool) {
	for i := range m.Handlers {
		if m.Handlers[i].Ref() == ref {
			return &m.Handlers[i], true
		}
	}
	return nil, false
}
