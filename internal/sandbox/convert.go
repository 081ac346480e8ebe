package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// GoToLua converts a decoded JSON value (command args, signal reads) to an
// LValue. Values outside the JSON type set map to nil.
func GoToLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(float64(v))
	case int:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case uint64:
		return lua.LNumber(float64(v))
	case map[string]any:
		return MapToTable(L, v)
	case []any:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(GoToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// MapToTable converts a map[string]any to an LTable.
func MapToTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, GoToLua(L, v))
	}
	return tbl
}

// LuaToGo converts a script return value to a JSON-encodable Go value.
// Functions, userdata, and other non-data types collapse to nil.
func LuaToGo(val lua.LValue) any {
	switch v := val.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		return tableToGo(v)
	default:
		return nil
	}
}

// tableToGo returns []any for array-shaped tables (sequential integer keys
// 1..n and nothing else), map[string]any otherwise. Non-string keys in the
// map case are dropped.
func tableToGo(tbl *lua.LTable) any {
	n := tbl.MaxN()
	if n > 0 {
		total := 0
		tbl.ForEach(func(lua.LValue, lua.LValue) { total++ })
		if total == n {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = LuaToGo(tbl.RawGetInt(i))
			}
			return arr
		}
	}

	m := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			m[string(ks)] = LuaToGo(v)
		}
	})
	return m
}
