package transform

import (
	"fmt"
	"strings"
)

// BytecodePackStage serializes the whole unit as an enciphered byte table
// and replaces it with a bootstrap that decodes, decrypts, and evaluates
// the blob at load time. The bootstrap's decode loop is self-contained on
// purpose: this stage replaces the entire unit, so it cannot lean on the
// decrypt function the string stage emits. Premium tier only.
func BytecodePackStage(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error) {
	if strings.TrimSpace(unit.Text) == "" {
		return unit, nil
	}
	key := rng.Key(16)
	blobVar := rng.Ident(6)
	keyVar := rng.Ident(6)
	outVar := rng.Ident(6)
	loadVar := rng.Ident(6)

	var b strings.Builder
	fmt.Fprintf(&b, "local %s = %s\n", blobVar, byteTable(EncryptBytes(unit.Text, key)))
	fmt.Fprintf(&b, "local %s = %s\n", keyVar, byteTable([]byte(key)))
	fmt.Fprintf(&b, "local %s = {}\n", outVar)
	fmt.Fprintf(&b, "for i = 1, #%s do\n", blobVar)
	fmt.Fprintf(&b, "\t%s[i] = string.char((%s[i] - %s[((i - 1) %% #%s) + 1]) %% 256)\n", outVar, blobVar, keyVar, keyVar)
	b.WriteString("end\n")
	fmt.Fprintf(&b, "local %s = loadstring or load\n", loadVar)
	fmt.Fprintf(&b, "return %s(table.concat(%s))()", loadVar, outVar)
	return NewSourceUnit(b.String()), nil
}
