// Package script executes Lua plugin handlers. A handler is a plain
// .lua file resolved by (file, export): the engine compiles the chunk
// in a sandboxed interpreter, installs the kb API bound to the
// execution's plugin context, and converts values across the boundary
// as JSON shapes. The interpreter carries no io, os, debug, or package
// library; every effect a handler can have goes through kb and is
// therefore subject to the same guard as native handlers.
package script

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/plugin"
)

// The prelude is loaded into every handler state before user code.
// It routes print through the structured logger (handler stdout would
// corrupt the worker control channel) and adds small conveniences.
//
//go:embed prelude.lua
var preludeSource string

// Extension is the handler file suffix this engine serves.
const Extension = ".lua"

// Engine executes Lua handler files. The prelude compiles once; each
// execution gets a fresh interpreter state.
type Engine struct {
	prelude *lua.FunctionProto
}

// NewEngine compiles the embedded prelude.
func NewEngine() (*Engine, error) {
	proto, err := compileChunk("prelude.lua", preludeSource)
	if err != nil {
		return nil, fmt.Errorf("compile prelude: %w", err)
	}
	return &Engine{prelude: proto}, nil
}

// Handler adapts a handler file to the native handler contract so the
// runner treats script and Go handlers identically.
func (e *Engine) Handler(handlerPath, export string) plugin.HandlerFunc {
	return func(pc *plugin.Context, input json.RawMessage) (any, error) {
		return e.run(pc, handlerPath, export, input)
	}
}

// Serves reports whether this engine handles the given file.
func (e *Engine) Serves(handlerPath string) bool {
	return strings.EqualFold(filepath.Ext(handlerPath), Extension)
}

func (e *Engine) run(pc *plugin.Context, handlerPath, export string, input json.RawMessage) (any, error) {
	src, err := os.ReadFile(handlerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Errorf(fault.KindHandlerNotFound, "handler file %s does not exist", handlerPath)
		}
		return nil, fault.Wrap(fault.KindHandlerNotFound, fmt.Sprintf("read handler %s", handlerPath), err)
	}

	name := filepath.Base(handlerPath)
	proto, err := compileChunk(name, string(src))
	if err != nil {
		return nil, fault.Wrap(fault.KindHandlerContract, fmt.Sprintf("compile %s", name), err)
	}

	L := e.newState(pc)
	// Close the interpreter after the handler's own cleanups drain;
	// the cleanup stack is LIFO, so the earliest registration runs last.
	pc.OnCleanup(func(context.Context) error {
		L.Close()
		return nil
	})

	// Run the chunk. Module-style files return a table of functions;
	// plain files define globals.
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, handlerFault(pc.Context(), err, fault.KindHandlerContract)
	}
	module := L.Get(-1)
	L.Pop(1)

	fn := resolveExport(L, module, export)
	if fn == nil {
		return nil, fault.Errorf(fault.KindHandlerContract,
			"handler %s exports no callable %q", name, export)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, rawToLua(L, input)); err != nil {
		return nil, handlerFault(pc.Context(), err, fault.KindHandlerError)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return fromLua(ret), nil
}

// newState builds a sandboxed interpreter bound to the execution
// context. Only side-effect-free libraries open; the chunk loaders are
// removed so handler code cannot pull in files the guard never saw.
func (e *Engine) newState(pc *plugin.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	L.SetContext(pc.Context())

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("kb", buildKB(L, pc))

	if e.prelude != nil {
		L.Push(L.NewFunctionFromProto(e.prelude))
		if err := L.PCall(0, 0, nil); err != nil {
			pc.Log.Error("prelude failed", map[string]any{"error": err.Error()})
		}
	}
	return L
}

// resolveExport finds the export's callable: first in a returned
// module table, then among globals.
func resolveExport(L *lua.LState, module lua.LValue, export string) lua.LValue {
	if t, ok := module.(*lua.LTable); ok {
		if fn := t.RawGetString(export); fn.Type() == lua.LTFunction {
			return fn
		}
	}
	if fn := L.GetGlobal(export); fn.Type() == lua.LTFunction {
		return fn
	}
	return nil
}

func compileChunk(name, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}

// raiseFault surfaces a Go error to Lua as a structured error value so
// the kind survives the unwind back across the protected call.
func raiseFault(L *lua.LState, err error) {
	env := fault.EnvelopeOf(err)
	t := L.NewTable()
	t.RawSetString("code", lua.LString(string(env.Code)))
	t.RawSetString("message", lua.LString(env.Message))
	L.Error(t, 1)
}

// handlerFault maps an interpreter error back to a fault. A done
// execution context wins over whatever message the interrupted VM
// produced; structured error values with a recognized code pass
// through; everything else gets the fallback kind.
func handlerFault(ctx context.Context, err error, fallback fault.Kind) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fault.Normalize(ctxErr)
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if t, ok := apiErr.Object.(*lua.LTable); ok {
			code := fault.Kind(lua.LVAsString(t.RawGetString("code")))
			msg := lua.LVAsString(t.RawGetString("message"))
			if code.Valid() {
				return fault.New(code, msg)
			}
			if msg != "" {
				return fault.New(fallback, msg)
			}
		}
		return fault.New(fallback, strings.TrimSpace(apiErr.Object.String()))
	}
	return fault.Wrap(fallback, "handler", err)
}
