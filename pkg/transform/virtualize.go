package transform

import (
	"fmt"
	"regexp"
	"strings"
)

// VM opcodes for the generated interpreter.
const (
	opPushConst = 1
	opCallPrint = 2
)

// Instruction is one stack-machine step in the virtualized program.
type Instruction struct {
	Op  int
	Arg string // Lua expression text for the pushed constant
}

// Recognized statement shape: a whole-line print of a single quoted string
// or numeric constant. Anything else is not translated.
var printStmtRe = regexp.MustCompile(`(?m)^[ \t]*print\((\"[^\"]*\"|'[^']*'|\d+(?:\.\d+)?)\)[ \t]*$`)

// VirtualizeStage translates the recognized subset of call-expression
// statements into a stack-machine instruction list plus an interpreter
// loop, replacing the unit. Statements outside the subset are dropped from
// the instruction stream, a known fidelity gap. Widening coverage beyond
// print statements is future work.
// Premium tier only.
func VirtualizeStage(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error) {
	matches := printStmtRe.FindAllStringSubmatch(unit.Text, -1)
	if len(matches) == 0 {
		return unit, nil
	}
	var prog []Instruction
	for _, m := range matches {
		prog = append(prog, Instruction{Op: opPushConst, Arg: m[1]})
		prog = append(prog, Instruction{Op: opCallPrint})
	}

	progVar := rng.Ident(6)
	stackVar := rng.Ident(6)
	spVar := rng.Ident(6)

	var b strings.Builder
	fmt.Fprintf(&b, "local %s = {\n", progVar)
	for _, ins := range prog {
		if ins.Op == opPushConst {
			fmt.Fprintf(&b, "\t{%d, %s},\n", ins.Op, ins.Arg)
		} else {
			fmt.Fprintf(&b, "\t{%d},\n", ins.Op)
		}
	}
	b.WriteString("}\n")
	fmt.Fprintf(&b, "local %s = {}\n", stackVar)
	fmt.Fprintf(&b, "local %s = 0\n", spVar)
	fmt.Fprintf(&b, "for i = 1, #%s do\n", progVar)
	fmt.Fprintf(&b, "\tlocal op = %s[i]\n", progVar)
	fmt.Fprintf(&b, "\tif op[1] == %d then\n", opPushConst)
	fmt.Fprintf(&b, "\t\t%s = %s + 1\n", spVar, spVar)
	fmt.Fprintf(&b, "\t\t%s[%s] = op[2]\n", stackVar, spVar)
	fmt.Fprintf(&b, "\telseif op[1] == %d then\n", opCallPrint)
	fmt.Fprintf(&b, "\t\tprint(%s[%s])\n", stackVar, spVar)
	fmt.Fprintf(&b, "\t\t%s = %s - 1\n", spVar, spVar)
	b.WriteString("\tend\n")
	b.WriteString("end")
	return NewSourceUnit(b.String()), nil
}
