package transform

import (
	"fmt"
	"strings"
)

// ControlFlowFlatteningStage rewrites single-level if/then/else/end blocks
// into a dispatch loop: the branch selector is computed once, then a state
// variable drives a multi-way dispatch that executes exactly one branch per
// iteration and terminates. Nested and loop constructs are out of scope;
// the tokenizer only surfaces blocks whose bodies open nothing else.
// Premium tier only; the pipeline gates it.
func ControlFlowFlatteningStage(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error) {
	blocks := unit.Blocks()
	if len(blocks) == 0 {
		return unit, nil
	}
	text := unit.Text
	// rewrite back-to-front so earlier spans stay valid
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		stateVar := rng.Ident(6)
		var r strings.Builder
		fmt.Fprintf(&r, "local %s = (%s) and 1 or 2\n", stateVar, b.Cond)
		fmt.Fprintf(&r, "while %s ~= 0 do\n", stateVar)
		fmt.Fprintf(&r, "\tif %s == 1 then\n", stateVar)
		if b.Then != "" {
			fmt.Fprintf(&r, "\t\t%s\n", b.Then)
		}
		fmt.Fprintf(&r, "\t\t%s = 0\n", stateVar)
		fmt.Fprintf(&r, "\telseif %s == 2 then\n", stateVar)
		if b.Else != "" {
			fmt.Fprintf(&r, "\t\t%s\n", b.Else)
		}
		fmt.Fprintf(&r, "\t\t%s = 0\n", stateVar)
		r.WriteString("\tend\n")
		r.WriteString("end")
		text = text[:b.Start] + r.String() + text[b.End:]
	}
	return NewSourceUnit(text), nil
}
