package sandbox

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Embedded Lua modules available to scripts via require(). This is the full
// resolvable set: stat/exists queries answer truthfully for these names only,
// and nothing outside it can ever be loaded.
var embeddedModules = map[string]string{
	"util": utilModuleSource,
}

const utilModuleSource = `
local util = {}

function util.clamp(v, lo, hi)
	if v < lo then return lo end
	if v > hi then return hi end
	return v
end

function util.round(v)
	return math.floor(v + 0.5)
end

function util.trim(s)
	return (string.gsub(s, "^%s*(.-)%s*$", "%1"))
end

function util.keys(t)
	local ks = {}
	for k in pairs(t) do
		ks[#ks + 1] = k
	end
	table.sort(ks)
	return ks
end

return util
`

// registerModuleResolver replaces require with a resolver over the embedded
// module set. Loaded modules are cached per state, so each embedded module's
// chunk runs at most once per invocation.
func registerModuleResolver(L *lua.LState) {
	loaded := L.NewTable()

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := normalizeModuleName(L.CheckString(1))

		if cached := L.GetField(loaded, name); cached != lua.LNil {
			L.Push(cached)
			return 1
		}

		src, ok := embeddedModules[name]
		if !ok {
			L.RaiseError("module %q not found", name)
			return 0
		}

		fn, err := L.Load(strings.NewReader(src), name)
		if err != nil {
			L.RaiseError("load module %q: %s", name, err)
			return 0
		}
		L.Push(fn)
		L.Call(0, 1)
		mod := L.Get(-1)
		L.Pop(1)

		L.SetField(loaded, name, mod)
		L.Push(mod)
		return 1
	}))

	mod := L.NewTable()
	L.SetField(mod, "exists", L.NewFunction(luaModuleExists))
	L.SetField(mod, "stat", L.NewFunction(luaModuleStat))
	L.SetGlobal("modules", mod)
}

// luaModuleExists answers path-existence queries: true only for names in the
// embedded set.
func luaModuleExists(L *lua.LState) int {
	name := normalizeModuleName(L.CheckString(1))
	_, ok := embeddedModules[name]
	L.Push(lua.LBool(ok))
	return 1
}

// luaModuleStat answers stat queries for embedded modules; anything else
// yields nil, mirroring the io.open sentinel.
func luaModuleStat(L *lua.LState) int {
	name := normalizeModuleName(L.CheckString(1))
	src, ok := embeddedModules[name]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	tbl := L.NewTable()
	L.SetField(tbl, "name", lua.LString(name))
	L.SetField(tbl, "size", lua.LNumber(len(src)))
	L.Push(tbl)
	return 1
}

// normalizeModuleName strips path-ish spellings ("strada/util", "util.lua")
// down to the bare module name used as the registry key.
func normalizeModuleName(name string) string {
	name = strings.TrimSuffix(name, ".lua")
	if i := strings.LastIndexAny(name, "/."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// EmbeddedModuleNames returns the resolvable module set, for diagnostics.
func EmbeddedModuleNames() []string {
	names := make([]string, 0, len(embeddedModules))
	for name := range embeddedModules {
		names = append(names, name)
	}
	return names
}
