package transform

import (
	"fmt"
	"strings"
)

// IntegrityStampStage embeds the unit as a long-bracket string together
// with its additive checksum; at load time the artifact recomputes the sum
// over its own stored source and aborts on mismatch before evaluating it.
func IntegrityStampStage(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error) {
	body := unit.Text
	open, close, err := BracketFor(body)
	if err != nil {
		return unit, err
	}
	srcVar := rng.Ident(6)
	sumVar := rng.Ident(6)
	loadVar := rng.Ident(6)

	var b strings.Builder
	fmt.Fprintf(&b, "local %s = %s\n%s%s\n", srcVar, open, body, close)
	fmt.Fprintf(&b, "local %s = 0\n", sumVar)
	fmt.Fprintf(&b, "for i = 1, #%s do\n", srcVar)
	fmt.Fprintf(&b, "\t%s = (%s + string.byte(%s, i)) %% 4294967296\n", sumVar, sumVar, srcVar)
	b.WriteString("end\n")
	// the runtime skips the newline right after the opening long bracket,
	// so the stored source is exactly body
	fmt.Fprintf(&b, "if %s ~= %s then\n", sumVar, ChecksumString(body))
	b.WriteString("\terror(\"\", 0)\n")
	b.WriteString("end\n")
	fmt.Fprintf(&b, "local %s = loadstring or load\n", loadVar)
	fmt.Fprintf(&b, "return %s(%s)()", loadVar, srcVar)
	return NewSourceUnit(b.String()), nil
}

// BracketFor picks a long-bracket level the body does not contain.
func BracketFor(body string) (string, string, error) {
	for level := 1; level <= 8; level++ {
		eq := strings.Repeat("=", level)
		if !strings.Contains(body, "]"+eq+"]") {
			return "[" + eq + "[", "]" + eq + "]", nil
		}
	}
	return "", "", fmt.Errorf("no free long-bracket level for integrity stamp")
}

// WrapProtective is the final, unconditional shell: the artifact runs
// inside an isolating closure through a guarded call, and any runtime error
// is swallowed with no diagnostic output. Tamper deterrence wins over
// debuggability here; the server keeps the rich logs instead.
func WrapProtective(text string) string {
	var b strings.Builder
	b.WriteString("local _ = pcall(function()\n")
	b.WriteString(text)
	b.WriteString("\nend)\n")
	return b.String()
}
