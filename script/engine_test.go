package script

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
)

func writeHandler(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handler.lua")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("write handler: %v", err)
	}
	return path
}

func runHandler(t *testing.T, pc *plugin.Context, source, export, input string) (any, error) {
	t.Helper()
	eng, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	path := writeHandler(t, source)
	out, err := eng.Handler(path, export)(pc, json.RawMessage(input))
	t.Cleanup(func() { pc.DrainCleanups(context.Background()) })
	return out, err
}

func TestEngine_RunsGlobalFunctionHandler(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	out, err := runHandler(t, pc, `
function greet(input)
  return { msg = "hi " .. input.who }
end
`, "greet", `{"who":"kiln"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map", out)
	}
	if m["msg"] != "hi kiln" {
		t.Errorf("msg = %v, want %q", m["msg"], "hi kiln")
	}
}

func TestEngine_ResolvesExportFromModuleTable(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	out, err := runHandler(t, pc, `
local M = {}
function M.count(input)
  return #input.items
end
return M
`, "count", `{"items":[1,2,3]}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != float64(3) {
		t.Errorf("result = %v, want 3", out)
	}
}

func TestEngine_MissingFileIsHandlerNotFound(t *testing.T) {
	eng, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})

	_, err = eng.Handler(filepath.Join(t.TempDir(), "missing.lua"), "run")(pc, nil)
	if kind := fault.KindOf(err); kind != fault.KindHandlerNotFound {
		t.Errorf("kind = %s, want %s", kind, fault.KindHandlerNotFound)
	}
}

func TestEngine_MissingExportIsContractError(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	_, err := runHandler(t, pc, `local x = 1`, "run", `{}`)
	if kind := fault.KindOf(err); kind != fault.KindHandlerContract {
		t.Errorf("kind = %s, want %s", kind, fault.KindHandlerContract)
	}
}

func TestEngine_SyntaxErrorIsContractError(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	_, err := runHandler(t, pc, `function broken(`, "broken", `{}`)
	if kind := fault.KindOf(err); kind != fault.KindHandlerContract {
		t.Errorf("kind = %s, want %s", kind, fault.KindHandlerContract)
	}
}

func TestEngine_RaisedErrorBecomesHandlerError(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	_, err := runHandler(t, pc, `
function boom(input)
  error("kaboom")
end
`, "boom", `{}`)
	if kind := fault.KindOf(err); kind != fault.KindHandlerError {
		t.Errorf("kind = %s, want %s", kind, fault.KindHandlerError)
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("error %q should carry the handler message", err)
	}
}

func TestEngine_FailPassesRecognizedCodeThrough(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	_, err := runHandler(t, pc, `
function deny(input)
  kb.fail("not allowed", "PERMISSION_DENIED")
end
`, "deny", `{}`)
	if kind := fault.KindOf(err); kind != fault.KindPermissionDenied {
		t.Errorf("kind = %s, want %s", kind, fault.KindPermissionDenied)
	}
	if !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("error %q should carry the handler message", err)
	}
}

func TestEngine_CacheRoundTrip(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	out, err := runHandler(t, pc, `
function work(input)
  kb.cache.set("greeting", input.name, 60)
  return { stored = kb.cache.get("greeting"), missing = kb.cache.get("nope") }
end
`, "work", `{"name":"kiln"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	m := out.(map[string]any)
	if m["stored"] != "kiln" {
		t.Errorf("stored = %v, want %q", m["stored"], "kiln")
	}
	if _, present := m["missing"]; present {
		t.Errorf("missing key should decode as nil, got %v", m["missing"])
	}
}

func TestEngine_CleanupRunsOnDrain(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	_, err := runHandler(t, pc, `
function work(input)
  kb.cleanup(function()
    kb.cache.set("released", "yes", 0)
  end)
  return true
end
`, "work", `{}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, found, _ := pc.Platform.Cache.Get(context.Background(), "released"); found {
		t.Fatal("cleanup ran before drain")
	}
	if failed := pc.DrainCleanups(context.Background()); failed != 0 {
		t.Fatalf("drain failed = %d, want 0", failed)
	}
	val, found, err := pc.Platform.Cache.Get(context.Background(), "released")
	if err != nil || !found {
		t.Fatalf("cleanup side effect missing: found=%v err=%v", found, err)
	}
	if val != "yes" {
		t.Errorf("released = %q, want %q", val, "yes")
	}
}

func TestEngine_TimeoutInterruptsHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	pc := plugin.NewContext(ctx, plugin.ContextOptions{})

	_, err := runHandler(t, pc, `
function spin(input)
  while true do end
end
`, "spin", `{}`)
	if kind := fault.KindOf(err); kind != fault.KindTimeout {
		t.Errorf("kind = %s, want %s", kind, fault.KindTimeout)
	}
}

func TestEngine_OutcomeShapeSurvivesConversion(t *testing.T) {
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{})
	out, err := runHandler(t, pc, `
function finish(input)
  return kb.outcome(3, { done = true })
end
`, "finish", `{}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	m := out.(map[string]any)
	if m["exitCode"] != float64(3) {
		t.Errorf("exitCode = %v, want 3", m["exitCode"])
	}
	result, ok := m["result"].(map[string]any)
	if !ok || result["done"] != true {
		t.Errorf("result = %v, want done=true", m["result"])
	}
}

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureLogger) record(msg string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, _ map[string]any) { c.record(msg) }
func (c *captureLogger) Info(msg string, _ map[string]any)  { c.record(msg) }
func (c *captureLogger) Warn(msg string, _ map[string]any)  { c.record(msg) }
func (c *captureLogger) Error(msg string, _ map[string]any) { c.record(msg) }

func (c *captureLogger) Child(_ map[string]any) platform.Logger { return c }

func TestEngine_PrintRoutesToLogger(t *testing.T) {
	capture := &captureLogger{}
	pc := plugin.NewContext(context.Background(), plugin.ContextOptions{Logger: capture})

	_, err := runHandler(t, pc, `
function work(input)
  print("hello", 42)
  return true
end
`, "work", `{}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	for _, msg := range capture.msgs {
		if strings.Contains(msg, "hello") && strings.Contains(msg, "42") {
			return
		}
	}
	t.Errorf("print output missing from log entries: %v", capture.msgs)
}
