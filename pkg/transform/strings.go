package transform

import (
	"fmt"
	"sort"
	"strings"

	"enigmacode/pkg/lexis"
)

// Literals shorter than this are left alone; rewriting one-character
// markers costs more than it hides.
const minLiteralLen = 2

// EncryptedLiteral is one rewritten string literal: ciphertext, the key it
// was enciphered under, and the span it replaced.
type EncryptedLiteral struct {
	Cipher []byte
	Key    string
	Span   lexis.Span
}

// structurally significant substrings that must survive verbatim: network
// hosts, API identifiers, and JSON-shape markers the runtime matches on.
var literalAllowlist = []string{
	"http://", "https://", ".com", ".net", ".org",
	"api", "json", "{", "}", "[", "]",
}

// ShouldSkipLiteral reports whether a literal's content is excluded from
// encryption. The end-to-end round-trip property in the tests holds for
// every literal this returns false for.
func ShouldSkipLiteral(content string) bool {
	if len(content) < minLiteralLen {
		return true
	}
	lower := strings.ToLower(content)
	for _, marker := range literalAllowlist {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// StringEncryptionStage replaces each eligible quoted literal with a call
// to a freshly named decrypt function, prepended once to the unit. Both the
// ciphertext and the key are emitted as byte tables, so the rewritten unit
// contains no quoted literals at all and a second pass has nothing to match.
func StringEncryptionStage(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error) {
	lits := unit.Literals()
	var eligible []lexis.StringLiteral
	for _, lit := range lits {
		if !ShouldSkipLiteral(lit.Content) {
			eligible = append(eligible, lit)
		}
	}
	if len(eligible) == 0 {
		return unit, nil
	}

	fnName := rng.Ident(8)
	// rewrite back-to-front so earlier spans stay valid
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Start > eligible[j].Start })
	text := unit.Text
	for _, lit := range eligible {
		plain, err := unescapeLua(lit.Content)
		if err != nil {
			return unit, fmt.Errorf("string encryption: %w", err)
		}
		key := rng.Key(8)
		enc := EncryptedLiteral{Cipher: EncryptBytes(plain, key), Key: key, Span: lit.Span}
		call := fmt.Sprintf("%s(%s, %s)", fnName, byteTable(enc.Cipher), byteTable([]byte(enc.Key)))
		text = text[:lit.Start] + call + text[lit.End:]
	}
	return NewSourceUnit(decryptFunction(fnName) + "\n" + text), nil
}

func decryptFunction(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "local function %s(t, k)\n", name)
	b.WriteString("\tlocal b = {}\n")
	b.WriteString("\tfor i = 1, #t do\n")
	b.WriteString("\t\tb[i] = string.char((t[i] - k[((i - 1) % #k) + 1]) % 256)\n")
	b.WriteString("\tend\n")
	b.WriteString("\treturn table.concat(b)\n")
	b.WriteString("end")
	return b.String()
}

func byteTable(data []byte) string {
	parts := make([]string, len(data))
	for i, c := range data {
		parts[i] = fmt.Sprintf("%d", c)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// unescapeLua resolves the escape sequences a quoted Lua literal can carry,
// so the ciphertext holds the runtime value rather than the source spelling.
func unescapeLua(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape in literal %q", s)
		}
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte(7)
		case 'b':
			b.WriteByte(8)
		case 'f':
			b.WriteByte(12)
		case 'v':
			b.WriteByte(11)
		case '\\', '"', '\'':
			b.WriteByte(s[i])
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			n := 0
			digits := 0
			for i < len(s) && digits < 3 && s[i] >= '0' && s[i] <= '9' {
				n = n*10 + int(s[i]-'0')
				i++
				digits++
			}
			i--
			if n > 255 {
				return "", fmt.Errorf("escape out of range in literal %q", s)
			}
			b.WriteByte(byte(n))
		default:
			return "", fmt.Errorf("unsupported escape \\%c in literal %q", s[i], s)
		}
	}
	return b.String(), nil
}
