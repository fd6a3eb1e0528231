package script

import (
	"encoding/json"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a Go value to its Lua representation. Typed structs
// take a JSON round-trip so handlers see the same shapes the wire
// carries.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.RawMessage:
		return rawToLua(L, val)
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return lua.LString(fmt.Sprintf("%v", val))
		}
		return rawToLua(L, data)
	}
}

// rawToLua decodes a JSON document into Lua values. Empty input is nil;
// undecodable input degrades to the raw string.
func rawToLua(L *lua.LState, raw json.RawMessage) lua.LValue {
	if len(raw) == 0 {
		return lua.LNil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return lua.LString(string(raw))
	}
	return toLua(L, v)
}

// fromLua converts a Lua value to Go. Tables become []any when the
// keys are exactly 1..n, map[string]any otherwise.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		return val.String()
	}
}

func tableToGo(t *lua.LTable) any {
	maxn := t.MaxN()
	if maxn > 0 {
		count := 0
		isArray := true
		t.ForEach(func(k, _ lua.LValue) {
			count++
			n, ok := k.(lua.LNumber)
			if !ok {
				isArray = false
				return
			}
			f := float64(n)
			if f != math.Trunc(f) || f < 1 || f > float64(maxn) {
				isArray = false
			}
		})
		if isArray && count == maxn {
			out := make([]any, 0, maxn)
			for i := 1; i <= maxn; i++ {
				out = append(out, fromLua(t.RawGetInt(i)))
			}
			return out
		}
	}
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = fromLua(v)
	})
	return out
}

// fromLuaJSON marshals a Lua value to a JSON document. Lua nil maps to
// an absent document, not the "null" literal.
func fromLuaJSON(v lua.LValue) (json.RawMessage, error) {
	if v == nil || v == lua.LNil {
		return nil, nil
	}
	data, err := json.Marshal(fromLua(v))
	if err != nil {
		return nil, fmt.Errorf("encode handler value: %w", err)
	}
	return data, nil
}
