package sandbox

import (
	"strings"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Limits bounds one interpreter instance. The registry is the interpreter's
// heap arena: it is allocated at state creation and never grows, so a script
// that exhausts it fails with CAPACITY_EXCEEDED instead of growing the host
// process.
type Limits struct {
	RegistrySize   int
	CallStackSize  int
	MaxScriptBytes int
}

// DefaultLimits are conservative values for a vehicle-grade host.
var DefaultLimits = Limits{
	RegistrySize:   1024 * 20,
	CallStackSize:  120,
	MaxScriptBytes: 64 * 1024,
}

// NewSandboxedState creates an LState with only safe libraries loaded.
// Dangerous modules (os, io, debug, package) and functions (dofile, loadfile,
// load) are omitted; io is replaced with a stub whose open never performs
// real I/O.
func NewSandboxedState(name string, limits Limits, logger zerolog.Logger) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		RegistrySize:  limits.RegistrySize,
		CallStackSize: limits.CallStackSize,
	})

	// Open only safe standard libraries.
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// Remove dangerous base globals.
	for _, g := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(g, lua.LNil)
	}

	registerIOStub(L)

	// Override print to route through zerolog.
	scriptLogger := logger.With().Str("script", name).Logger()
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = L.Get(i).String()
		}
		scriptLogger.Info().Msg(strings.Join(parts, "\t"))
		return 0
	}))

	return L
}

// registerIOStub installs an io table whose open always answers with the
// neutral "no value" pair. Scripts can call it freely; it never touches the
// real filesystem and never raises.
func registerIOStub(L *lua.LState) {
	io := L.NewTable()
	L.SetField(io, "open", L.NewFunction(func(L *lua.LState) int {
		L.CheckString(1)
		L.Push(lua.LNil)
		L.Push(lua.LString("no such file"))
		return 2
	}))
	L.SetGlobal("io", io)
}
