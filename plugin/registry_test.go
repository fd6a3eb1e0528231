package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/types"
)

func testManifest() types.Manifest {
	return types.Manifest{
		ID:      "tools.echo",
		Version: "1.0.0",
		Handlers: []types.HandlerDecl{
			{ID: "echo", File: "handlers/echo.lua", Export: "echo"},
			{ID: "shout", File: "handlers/echo.lua", Export: "shout"},
		},
	}
}

func TestRegistry_LookupUnknownPlugin(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("tools.missing", types.HandlerRef{File: "h.lua", Export: "run"})
	if err == nil {
		t.Fatal("expected error for unknown plugin")
	}
	if kind := fault.KindOf(err); kind != fault.KindHandlerNotFound {
		t.Errorf("kind = %s, want %s", kind, fault.KindHandlerNotFound)
	}
}

func TestRegistry_LookupUnregisteredHandler(t *testing.T) {
	r := NewRegistry()
	echo := HandlerFunc(func(ctx *Context, input json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	if err := r.Register(testManifest(), t.TempDir(), map[string]Handler{"echo": echo}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Lookup("tools.echo", types.HandlerRef{File: "handlers/echo.lua", Export: "shout"})
	if err == nil {
		t.Fatal("expected error for handler without a native registration")
	}
	if kind := fault.KindOf(err); kind != fault.KindHandlerNotFound {
		t.Errorf("kind = %s, want %s", kind, fault.KindHandlerNotFound)
	}
}

func TestRegistry_LookupNilHandlerIsContractError(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testManifest(), t.TempDir(), map[string]Handler{"echo": nil}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Lookup("tools.echo", types.HandlerRef{File: "handlers/echo.lua", Export: "echo"})
	if err == nil {
		t.Fatal("expected error for nil handler")
	}
	if kind := fault.KindOf(err); kind != fault.KindHandlerContract {
		t.Errorf("kind = %s, want %s", kind, fault.KindHandlerContract)
	}
}

func TestRegistry_LookupReturnsRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	echo := HandlerFunc(func(ctx *Context, input json.RawMessage) (any, error) {
		return "hello", nil
	})
	if err := r.Register(testManifest(), t.TempDir(), map[string]Handler{"echo": echo}); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := r.Lookup("tools.echo", types.HandlerRef{File: "handlers/echo.lua", Export: "echo"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	out, err := h.Execute(NewContext(context.Background(), ContextOptions{}), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("result = %v, want %q", out, "hello")
	}
}

func TestRegistry_RegisterRejectsUndeclaredHandler(t *testing.T) {
	r := NewRegistry()
	fn := HandlerFunc(func(ctx *Context, input json.RawMessage) (any, error) { return nil, nil })

	err := r.Register(testManifest(), t.TempDir(), map[string]Handler{"whisper": fn})
	if err == nil {
		t.Fatal("expected error for handler id missing from manifest")
	}
	if kind := fault.KindOf(err); kind != fault.KindValidation {
		t.Errorf("kind = %s, want %s", kind, fault.KindValidation)
	}
}

func TestRegistry_ResolveDefaultsToFirstHandler(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testManifest(), t.TempDir(), nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	decl, err := r.Resolve("tools.echo", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decl.ID != "echo" {
		t.Errorf("handler = %q, want %q", decl.ID, "echo")
	}

	decl, err = r.Resolve("tools.echo", "shout")
	if err != nil {
		t.Fatalf("resolve shout: %v", err)
	}
	if decl.Export != "shout" {
		t.Errorf("export = %q, want %q", decl.Export, "shout")
	}

	if _, err := r.Resolve("tools.echo", "whisper"); fault.KindOf(err) != fault.KindHandlerNotFound {
		t.Errorf("kind = %s, want %s", fault.KindOf(err), fault.KindHandlerNotFound)
	}
}

func TestRegistry_LoadDirRegistersManifests(t *testing.T) {
	dir := t.TempDir()

	writePlugin := func(name, manifest string) {
		root := filepath.Join(dir, name)
		if err := os.MkdirAll(root, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(root, ManifestFileName), []byte(manifest), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}

	writePlugin("alpha", "id: tools.alpha\nversion: 1.0.0\nhandlers:\n  - id: run\n    file: handlers/run.lua\n")
	writePlugin("beta", "id: tools.beta\nversion: 0.2.0\nhandlers:\n  - id: sync\n    file: handlers/sync.lua\n")

	// A directory without a manifest is skipped, not an error.
	if err := os.MkdirAll(filepath.Join(dir, "notes"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	r := NewRegistry()
	ids, err := r.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("registered %d plugins, want 2: %v", len(ids), ids)
	}

	m, ok := r.Manifest("tools.beta")
	if !ok {
		t.Fatal("tools.beta not registered")
	}
	if m.Version != "0.2.0" {
		t.Errorf("version = %q, want %q", m.Version, "0.2.0")
	}
	if root := r.Root("tools.alpha"); filepath.Base(root) != "alpha" {
		t.Errorf("root = %q, want dir named alpha", root)
	}
}

func TestRegistry_LoadDirRejectsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "broken")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Missing version and handlers.
	if err := os.WriteFile(filepath.Join(root, ManifestFileName), []byte("id: tools.broken\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if _, err := NewRegistry().LoadDir(dir); err == nil {
		t.Fatal("expected error for invalid manifest")
	}
}
