package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// SignalProvider exposes decoded vehicle signals to scripts. Signal decoding
// itself lives outside the sandbox; the host only forwards read-only values.
type SignalProvider interface {
	// Read returns the current value of a named signal, or false if the
	// signal is unknown or stale.
	Read(name string) (any, bool)
}

// registerVehicleModule installs the vehicle table. With a nil provider every
// read answers nil, so scripts stay loadable on bench setups without a bus.
func registerVehicleModule(L *lua.LState, signals SignalProvider) {
	mod := L.NewTable()
	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if signals == nil {
			L.Push(lua.LNil)
			return 1
		}
		val, ok := signals.Read(name)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(GoToLua(L, val))
		return 1
	}))
	L.SetGlobal("vehicle", mod)
}
