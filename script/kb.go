package script

import (
	"context"
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/plugin"
)

// buildKB installs the handler-facing platform API. Every entry point
// routes through the plugin context, so the sandbox guard and the
// permission checks apply exactly as they do for native handlers.
func buildKB(L *lua.LState, pc *plugin.Context) *lua.LTable {
	kb := L.NewTable()

	kb.RawSetString("meta", metaTable(L, pc))
	kb.RawSetString("log", logTable(L, pc))
	kb.RawSetString("json", jsonTable(L))
	kb.RawSetString("cache", cacheTable(L, pc))
	kb.RawSetString("state", stateTable(L, pc))
	kb.RawSetString("fs", fsTable(L, pc))
	kb.RawSetString("env", envTable(L, pc))
	kb.RawSetString("storage", storageTable(L, pc))
	kb.RawSetString("sql", sqlTable(L, pc))
	kb.RawSetString("events", eventsTable(L, pc))
	kb.RawSetString("artifacts", artifactsTable(L, pc))
	kb.RawSetString("jobs", jobsTable(L, pc))
	kb.RawSetString("ui", uiTable(L, pc))

	kb.RawSetString("fetch", L.NewFunction(kbFetch(pc)))
	kb.RawSetString("invoke", L.NewFunction(kbInvoke(pc)))
	kb.RawSetString("shell", L.NewFunction(kbShell(pc)))
	kb.RawSetString("cleanup", L.NewFunction(kbCleanup(pc)))
	kb.RawSetString("sleep", L.NewFunction(kbSleep(pc)))

	return kb
}

func metaTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("host", lua.LString(pc.Meta.Host))
	t.RawSetString("pluginId", lua.LString(pc.Meta.PluginID))
	t.RawSetString("pluginVersion", lua.LString(pc.Meta.PluginVersion))
	t.RawSetString("handlerId", lua.LString(pc.Meta.HandlerID))
	t.RawSetString("requestId", lua.LString(pc.Meta.RequestID))
	t.RawSetString("tenantId", lua.LString(pc.Meta.TenantID))
	t.RawSetString("cwd", lua.LString(pc.Meta.Cwd))
	t.RawSetString("outdir", lua.LString(pc.Meta.OutDir))
	t.RawSetString("traceId", lua.LString(pc.Meta.TraceID))
	t.RawSetString("spanId", lua.LString(pc.Meta.SpanID))
	t.RawSetString("hostContext", toLua(L, pc.Meta.HostContext))
	t.RawSetString("config", toLua(L, pc.Meta.Config))
	return t
}

func logTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	emit := func(level func(string, map[string]any)) lua.LGFunction {
		return func(L *lua.LState) int {
			msg := L.CheckString(1)
			var fields map[string]any
			if L.GetTop() >= 2 {
				if m, ok := fromLua(L.Get(2)).(map[string]any); ok {
					fields = m
				}
			}
			level(msg, fields)
			return 0
		}
	}
	t := L.NewTable()
	t.RawSetString("debug", L.NewFunction(emit(pc.Log.Debug)))
	t.RawSetString("info", L.NewFunction(emit(pc.Log.Info)))
	t.RawSetString("warn", L.NewFunction(emit(pc.Log.Warn)))
	t.RawSetString("error", L.NewFunction(emit(pc.Log.Error)))
	return t
}

func jsonTable(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("encode", L.NewFunction(func(L *lua.LState) int {
		data, err := fromLuaJSON(L.Get(1))
		if err != nil {
			raiseFault(L, fault.Wrap(fault.KindHandlerError, "json.encode", err))
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))
	t.RawSetString("decode", L.NewFunction(func(L *lua.LState) int {
		raw := L.CheckString(1)
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			raiseFault(L, fault.Wrap(fault.KindHandlerError, "json.decode", err))
			return 0
		}
		L.Push(toLua(L, v))
		return 1
	}))
	return t
}

func cacheTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		val, found, err := pc.Platform.Cache.Get(pc.Context(), L.CheckString(1))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		if !found {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(val))
		return 1
	}))
	t.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		ttl := optSeconds(L, 3)
		if err := pc.Platform.Cache.Set(pc.Context(), L.CheckString(1), L.CheckString(2), ttl); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	t.RawSetString("setnx", L.NewFunction(func(L *lua.LState) int {
		ttl := optSeconds(L, 3)
		stored, err := pc.Platform.Cache.SetNX(pc.Context(), L.CheckString(1), L.CheckString(2), ttl)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(lua.LBool(stored))
		return 1
	}))
	t.RawSetString("incr", L.NewFunction(func(L *lua.LState) int {
		delta := int64(1)
		if L.GetTop() >= 2 {
			delta = L.CheckInt64(2)
		}
		n, err := pc.Platform.Cache.Incr(pc.Context(), L.CheckString(1), delta)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(lua.LNumber(n))
		return 1
	}))
	t.RawSetString("delete", L.NewFunction(func(L *lua.LState) int {
		if err := pc.Platform.Cache.Delete(pc.Context(), L.CheckString(1)); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	return t
}

func stateTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		raw, found, err := pc.API.State.Get(pc.Context(), L.CheckString(1), L.CheckString(2))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		if !found {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(rawToLua(L, raw))
		return 1
	}))
	t.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		value, err := fromLuaJSON(L.Get(3))
		if err != nil {
			raiseFault(L, fault.Wrap(fault.KindValidation, "state value", err))
			return 0
		}
		if err := pc.API.State.Set(pc.Context(), L.CheckString(1), L.CheckString(2), value); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	t.RawSetString("delete", L.NewFunction(func(L *lua.LState) int {
		if err := pc.API.State.Delete(pc.Context(), L.CheckString(1), L.CheckString(2)); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	t.RawSetString("list", L.NewFunction(func(L *lua.LState) int {
		prefix := ""
		if L.GetTop() >= 2 {
			prefix = L.CheckString(2)
		}
		keys, err := pc.API.State.List(pc.Context(), L.CheckString(1), prefix)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(toLua(L, keys))
		return 1
	}))
	return t
}

func fsTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		data, err := pc.Runtime.FS.ReadFile(L.CheckString(1))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))
	t.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		if err := pc.Runtime.FS.WriteFile(L.CheckString(1), []byte(L.CheckString(2))); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	t.RawSetString("stat", L.NewFunction(func(L *lua.LState) int {
		info, err := pc.Runtime.FS.Stat(L.CheckString(1))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(toLua(L, info))
		return 1
	}))
	t.RawSetString("list", L.NewFunction(func(L *lua.LState) int {
		infos, err := pc.Runtime.FS.ReadDir(L.CheckString(1))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(toLua(L, infos))
		return 1
	}))
	t.RawSetString("mkdir", L.NewFunction(func(L *lua.LState) int {
		if err := pc.Runtime.FS.Mkdir(L.CheckString(1)); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	t.RawSetString("remove", L.NewFunction(func(L *lua.LState) int {
		if err := pc.Runtime.FS.Remove(L.CheckString(1)); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	return t
}

func envTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		val, ok := pc.Runtime.Env.Get(L.CheckString(1))
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(val))
		return 1
	}))
	t.RawSetString("all", L.NewFunction(func(L *lua.LState) int {
		L.Push(toLua(L, pc.Runtime.Env.All()))
		return 1
	}))
	return t
}

func storageTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("put", L.NewFunction(func(L *lua.LState) int {
		contentType := ""
		if L.GetTop() >= 3 {
			contentType = L.CheckString(3)
		}
		if err := pc.Platform.Storage.Put(pc.Context(), L.CheckString(1), []byte(L.CheckString(2)), contentType); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		data, err := pc.Platform.Storage.Get(pc.Context(), L.CheckString(1))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))
	t.RawSetString("delete", L.NewFunction(func(L *lua.LState) int {
		if err := pc.Platform.Storage.Delete(pc.Context(), L.CheckString(1)); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	t.RawSetString("list", L.NewFunction(func(L *lua.LState) int {
		prefix := ""
		if L.GetTop() >= 1 {
			prefix = L.CheckString(1)
		}
		blobs, err := pc.Platform.Storage.List(pc.Context(), prefix)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(toLua(L, blobs))
		return 1
	}))
	return t
}

func sqlTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	sqlArgs := func(L *lua.LState) []any {
		args := make([]any, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, fromLua(L.Get(i)))
		}
		return args
	}
	t := L.NewTable()
	t.RawSetString("query", L.NewFunction(func(L *lua.LState) int {
		rows, err := pc.Platform.SQL.Query(pc.Context(), L.CheckString(1), sqlArgs(L)...)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		out := L.NewTable()
		for _, row := range rows {
			out.Append(toLua(L, row))
		}
		L.Push(out)
		return 1
	}))
	t.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		res, err := pc.Platform.SQL.Exec(pc.Context(), L.CheckString(1), sqlArgs(L)...)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(toLua(L, res))
		return 1
	}))
	return t
}

// Handlers can publish but not subscribe: executions are bounded, so
// there is nothing to deliver a subscription to after the handler
// returns.
func eventsTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("publish", L.NewFunction(func(L *lua.LState) int {
		payload, err := fromLuaJSON(L.Get(2))
		if err != nil {
			raiseFault(L, fault.Wrap(fault.KindValidation, "event payload", err))
			return 0
		}
		if err := pc.Platform.Events.Publish(pc.Context(), L.CheckString(1), payload); err != nil {
			raiseFault(L, err)
		}
		return 0
	}))
	return t
}

func artifactsTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		path, err := pc.API.Artifacts.Write(L.CheckString(1), []byte(L.CheckString(2)))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(lua.LString(path))
		return 1
	}))
	t.RawSetString("path", L.NewFunction(func(L *lua.LState) int {
		path, err := pc.API.Artifacts.Path(L.CheckString(1))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(lua.LString(path))
		return 1
	}))
	t.RawSetString("outdir", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(pc.API.Artifacts.OutDir()))
		return 1
	}))
	return t
}

func jobsTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("submit", L.NewFunction(func(L *lua.LState) int {
		spec := L.CheckTable(1)
		input, err := fromLuaJSON(spec.RawGetString("input"))
		if err != nil {
			raiseFault(L, fault.Wrap(fault.KindValidation, "job input", err))
			return 0
		}
		req := plugin.JobRequest{
			Handler:   lua.LVAsString(spec.RawGetString("handler")),
			PluginID:  lua.LVAsString(spec.RawGetString("pluginId")),
			Input:     input,
			Priority:  int(lua.LVAsNumber(spec.RawGetString("priority"))),
			TimeoutMs: int64(lua.LVAsNumber(spec.RawGetString("timeoutMs"))),
			Retries:   int(lua.LVAsNumber(spec.RawGetString("retries"))),
		}
		handle, err := pc.API.Jobs.Submit(pc.Context(), req)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		out := L.NewTable()
		out.RawSetString("id", lua.LString(handle.ID()))
		L.Push(out)
		return 1
	}))
	t.RawSetString("schedule", L.NewFunction(func(L *lua.LState) int {
		spec := L.CheckTable(1)
		input, err := fromLuaJSON(spec.RawGetString("input"))
		if err != nil {
			raiseFault(L, fault.Wrap(fault.KindValidation, "schedule input", err))
			return 0
		}
		req := plugin.ScheduleRequest{
			Handler: lua.LVAsString(spec.RawGetString("handler")),
			Cron:    lua.LVAsString(spec.RawGetString("cron")),
			Every:   lua.LVAsString(spec.RawGetString("every")),
			Input:   input,
		}
		handle, err := pc.API.Jobs.Schedule(pc.Context(), req)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		out := L.NewTable()
		out.RawSetString("id", lua.LString(handle.ID()))
		L.Push(out)
		return 1
	}))
	return t
}

func uiTable(L *lua.LState, pc *plugin.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("message", L.NewFunction(func(L *lua.LState) int {
		pc.UI.Message(L.CheckString(1))
		return 0
	}))
	t.RawSetString("warn", L.NewFunction(func(L *lua.LState) int {
		pc.UI.Warn(L.CheckString(1))
		return 0
	}))
	t.RawSetString("progress", L.NewFunction(func(L *lua.LState) int {
		pc.UI.Progress(L.CheckString(1), L.CheckInt(2))
		return 0
	}))
	t.RawSetString("confirm", L.NewFunction(func(L *lua.LState) int {
		ok, err := pc.UI.Confirm(pc.Context(), L.CheckString(1))
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(lua.LBool(ok))
		return 1
	}))
	return t
}

// kbFetch performs a guarded HTTP request. Accepts a URL string for a
// plain GET or a table {method, url, headers, body}.
func kbFetch(pc *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		var req plugin.FetchRequest
		switch arg := L.Get(1).(type) {
		case lua.LString:
			req.URL = string(arg)
		case *lua.LTable:
			req.Method = lua.LVAsString(arg.RawGetString("method"))
			req.URL = lua.LVAsString(arg.RawGetString("url"))
			if h, ok := arg.RawGetString("headers").(*lua.LTable); ok {
				req.Headers = make(map[string]string)
				h.ForEach(func(k, v lua.LValue) {
					req.Headers[k.String()] = lua.LVAsString(v)
				})
			}
			if b := arg.RawGetString("body"); b != lua.LNil {
				req.Body = []byte(lua.LVAsString(b))
			}
		default:
			L.ArgError(1, "string or table expected")
			return 0
		}

		resp, err := pc.Runtime.Fetch.Do(pc.Context(), req)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		out := L.NewTable()
		out.RawSetString("status", lua.LNumber(resp.Status))
		out.RawSetString("headers", toLua(L, resp.Headers))
		out.RawSetString("body", lua.LString(resp.Body))
		L.Push(out)
		return 1
	}
}

// kbInvoke calls another plugin through the invoke broker. Returns the
// broker's result table; it never raises, mirroring the native API.
func kbInvoke(pc *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		req := plugin.InvokeRequest{
			PluginID: L.CheckString(1),
			Handler:  L.CheckString(2),
		}
		if L.GetTop() >= 3 {
			input, err := fromLuaJSON(L.Get(3))
			if err != nil {
				raiseFault(L, fault.Wrap(fault.KindValidation, "invoke input", err))
				return 0
			}
			req.Input = input
		}
		if L.GetTop() >= 4 {
			req.TimeoutMs = L.CheckInt64(4)
		}
		res := pc.API.Invoke.Invoke(pc.Context(), req)
		L.Push(toLua(L, res))
		return 1
	}
}

func kbShell(pc *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		command := L.CheckString(1)
		args := make([]string, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, L.CheckString(i))
		}
		res, err := pc.API.Shell.Run(pc.Context(), command, args...)
		if err != nil {
			raiseFault(L, err)
			return 0
		}
		L.Push(toLua(L, res))
		return 1
	}
}

// kbCleanup pushes a Lua finalizer onto the execution's cleanup stack.
// The drain happens after the handler returns, possibly after its
// context expired, so the finalizer runs under the drain context.
func kbCleanup(pc *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		pc.OnCleanup(func(ctx context.Context) error {
			L.SetContext(ctx)
			return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
		})
		return 0
	}
}

func kbSleep(pc *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		ms := L.CheckInt64(1)
		if ms <= 0 {
			return 0
		}
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-pc.Context().Done():
			raiseFault(L, fault.Normalize(pc.Context().Err()))
		case <-timer.C:
		}
		return 0
	}
}

// optSeconds reads an optional numeric argument as a second count.
func optSeconds(L *lua.LState, pos int) time.Duration {
	return time.Duration(L.OptNumber(pos, 0) * lua.LNumber(time.Second))
}
