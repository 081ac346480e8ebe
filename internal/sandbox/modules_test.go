package sandbox

import (
	"testing"
)

func TestModules_RequireEmbedded(t *testing.T) {
	L := NewSandboxedState("test", DefaultLimits, testLogger())
	defer L.Close()
	registerModuleResolver(L)

	code := `
		local util = require("util")
		assert(util.clamp(15, 0, 10) == 10)
		assert(util.round(3.6) == 4)
		assert(util.trim("  hi  ") == "hi")
	`
	if err := L.DoString(code); err != nil {
		t.Errorf("require util: %v", err)
	}
}

func TestModules_RequireCached(t *testing.T) {
	L := NewSandboxedState("test", DefaultLimits, testLogger())
	defer L.Close()
	registerModuleResolver(L)

	if err := L.DoString(`assert(require("util") == require("util"))`); err != nil {
		t.Errorf("require cache: %v", err)
	}
}

func TestModules_RequireUnknownRaises(t *testing.T) {
	L := NewSandboxedState("test", DefaultLimits, testLogger())
	defer L.Close()
	registerModuleResolver(L)

	if err := L.DoString(`require("socket")`); err == nil {
		t.Error("expected error for unknown module")
	}
}

func TestModules_StatTruthfulForEmbeddedOnly(t *testing.T) {
	L := NewSandboxedState("test", DefaultLimits, testLogger())
	defer L.Close()
	registerModuleResolver(L)

	code := `
		assert(modules.exists("util") == true)
		assert(modules.exists("util.lua") == true)
		assert(modules.exists("/etc/passwd") == false)
		assert(modules.exists("socket") == false)

		local st = modules.stat("util")
		assert(st ~= nil and st.name == "util" and st.size > 0)
		assert(modules.stat("/etc/shadow") == nil)
	`
	if err := L.DoString(code); err != nil {
		t.Errorf("modules stat: %v", err)
	}
}

func TestNormalizeModuleName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"util", "util"},
		{"util.lua", "util"},
		{"strada/util", "util"},
		{"strada.util", "util"},
		{"/etc/passwd", "passwd"},
	}
	for _, tt := range tests {
		if got := normalizeModuleName(tt.in); got != tt.want {
			t.Errorf("normalizeModuleName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
