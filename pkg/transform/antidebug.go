package transform

import (
	"fmt"
	"strings"
)

// capabilities the guard replaces with immediately-raising stubs. Dynamic
// load and environment swapping are what every public deobfuscator reaches
// for first.
var neutralizedGlobals = []string{"loadstring", "load", "dofile", "getfenv", "setfenv"}

// AntiDebugStage prepends a self-check that fails fast when a debug
// introspection capability is present, neutralizes the dynamic-load
// denylist, and records a structural hash of the global namespace as the
// baseline the background monitor compares against later. Best-effort
// deterrent only, not a security boundary.
func AntiDebugStage(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error) {
	guardName := rng.Ident(8)
	baselineName := rng.Ident(8)
	trapName := rng.Ident(8)

	var b strings.Builder
	fmt.Fprintf(&b, "local %s = 0\n", baselineName)
	fmt.Fprintf(&b, "local function %s()\n", guardName)
	b.WriteString("\tif debug ~= nil and type(debug.getinfo) == \"function\" then\n")
	b.WriteString("\t\terror(\"\", 0)\n")
	b.WriteString("\tend\n")
	fmt.Fprintf(&b, "\tlocal %s = function() error(\"\", 0) end\n", trapName)
	for _, name := range neutralizedGlobals {
		fmt.Fprintf(&b, "\t%s = %s\n", name, trapName)
	}
	b.WriteString("\tlocal n = 0\n")
	b.WriteString("\tfor _ in pairs(_G) do n = n + 1 end\n")
	fmt.Fprintf(&b, "\t%s = n\n", baselineName)
	b.WriteString("end\n")
	fmt.Fprintf(&b, "%s()\n", guardName)

	return NewSourceUnit(b.String() + unit.Text), nil
}
