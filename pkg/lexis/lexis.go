// Package lexis locates string literals, identifiers, and block constructs
// in Lua-flavored source text. It is the shared lexical primitive under the
// transform stages; it is deliberately pattern-based rather than a full
// parser, since every stage rewrites text in place.
package lexis

import (
	"regexp"
	"strings"
)

// Span marks a half-open [Start, End) byte range in the source text.
type Span struct {
	Start int
	End   int
}

// StringLiteral is a quoted literal with its delimiter and unquoted content.
type StringLiteral struct {
	Span
	Quote   byte // '\'' or '"'
	Content string
}

// Block is a single-level if/then/else/end construct.
type Block struct {
	Span
	Cond string
	Then string
	Else string
}

var reservedWords = map[string]struct{}{
	"and": {}, "break": {}, "do": {}, "else": {}, "elseif": {}, "end": {},
	"false": {}, "for": {}, "function": {}, "if": {}, "in": {}, "local": {},
	"nil": {}, "not": {}, "or": {}, "repeat": {}, "return": {}, "then": {},
	"true": {}, "until": {}, "while": {},
}

var builtinNames = map[string]struct{}{
	"print": {}, "error": {}, "assert": {}, "pcall": {}, "xpcall": {},
	"pairs": {}, "ipairs": {}, "next": {}, "select": {}, "type": {},
	"tostring": {}, "tonumber": {}, "unpack": {}, "rawget": {}, "rawset": {},
	"setmetatable": {}, "getmetatable": {}, "load": {}, "loadstring": {},
	"dofile": {}, "require": {}, "collectgarbage": {},
	"getfenv": {}, "setfenv": {},
	"string": {}, "table": {}, "math": {}, "os": {}, "io": {}, "debug": {},
	"coroutine": {}, "_G": {}, "arg": {}, "self": {},
}

// Reserved reports whether name is a Lua keyword or an engine builtin that
// must never be renamed or inserted into an identifier map.
func Reserved(name string) bool {
	if _, ok := reservedWords[name]; ok {
		return true
	}
	_, ok := builtinNames[name]
	return ok
}

// StringLiterals scans src for single- and double-quoted literals,
// honoring backslash escapes. Long-bracket strings are left alone; the
// stages only rewrite quoted literals.
func StringLiterals(src string) []StringLiteral {
	var out []StringLiteral
	i := 0
	for i < len(src) {
		c := src[i]
		if c == '-' && i+1 < len(src) && src[i+1] == '-' {
			// comment runs to end of line
			j := strings.IndexByte(src[i:], '\n')
			if j < 0 {
				break
			}
			i += j + 1
			continue
		}
		if c != '\'' && c != '"' {
			i++
			continue
		}
		quote := c
		j := i + 1
		var content strings.Builder
		closed := false
		for j < len(src) {
			if src[j] == '\\' && j+1 < len(src) {
				content.WriteByte(src[j])
				content.WriteByte(src[j+1])
				j += 2
				continue
			}
			if src[j] == quote {
				closed = true
				break
			}
			if src[j] == '\n' {
				break
			}
			content.WriteByte(src[j])
			j++
		}
		if !closed {
			i = j + 1
			continue
		}
		out = append(out, StringLiteral{
			Span:    Span{Start: i, End: j + 1},
			Quote:   quote,
			Content: content.String(),
		})
		i = j + 1
	}
	return out
}

var (
	localDeclRe    = regexp.MustCompile(`\blocal\s+([A-Za-z_][A-Za-z0-9_]*)`)
	localFuncRe    = regexp.MustCompile(`\blocal\s+function\s+([A-Za-z_][A-Za-z0-9_]*)`)
	funcDeclRe     = regexp.MustCompile(`\bfunction\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	assignTargetRe = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=[^=]`)
)

// Declarations returns identifier names introduced by declaration patterns:
// local declarations, function declarations, and top-of-line assignment
// targets. Reserved and builtin names are excluded. Order of first
// appearance is preserved; duplicates are dropped.
func Declarations(src string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		if name == "" || Reserved(name) {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, m := range localFuncRe.FindAllStringSubmatch(src, -1) {
		add(m[1])
	}
	for _, m := range localDeclRe.FindAllStringSubmatch(src, -1) {
		if m[1] == "function" {
			continue
		}
		add(m[1])
	}
	for _, m := range funcDeclRe.FindAllStringSubmatch(src, -1) {
		add(m[1])
	}
	for _, m := range assignTargetRe.FindAllStringSubmatch(src, -1) {
		add(m[1])
	}
	return out
}

// ReplaceWord substitutes every word-boundary occurrence of name in src
// with replacement, so renaming x never touches xx or x1.
func ReplaceWord(src, name, replacement string) string {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	return re.ReplaceAllString(src, replacement)
}

// IfBlocks finds single-level if/then/else/end constructs: the body between
// then and end must not itself open another block. Nested or loop constructs
// are not matched; flattening only guarantees correctness for this shape.
func IfBlocks(src string) []Block {
	var out []Block
	offset := 0
	for {
		rel := strings.Index(src[offset:], "if ")
		if rel < 0 {
			return out
		}
		start := offset + rel
		if start > 0 && isWordByte(src[start-1]) {
			offset = start + 3
			continue
		}
		thenRel := strings.Index(src[start:], " then")
		if thenRel < 0 {
			return out
		}
		thenAt := start + thenRel
		endRel := strings.Index(src[thenAt:], "end")
		if endRel < 0 {
			return out
		}
		endAt := thenAt + endRel
		// word-boundary check on "end"
		if (endAt > 0 && isWordByte(src[endAt-1])) || (endAt+3 < len(src) && isWordByte(src[endAt+3])) {
			offset = endAt + 3
			continue
		}
		body := src[thenAt+len(" then") : endAt]
		if strings.Contains(body, " then") || strings.Contains(body, "function") ||
			strings.Contains(body, "while ") || strings.Contains(body, "for ") ||
			strings.Contains(body, "elseif") {
			offset = thenAt + len(" then")
			continue
		}
		cond := strings.TrimSpace(src[start+3 : thenAt])
		thenPart := body
		elsePart := ""
		if k := strings.Index(body, "else"); k >= 0 {
			thenPart = body[:k]
			elsePart = body[k+len("else"):]
		}
		out = append(out, Block{
			Span: Span{Start: start, End: endAt + 3},
			Cond: cond,
			Then: strings.TrimSpace(thenPart),
			Else: strings.TrimSpace(elsePart),
		})
		offset = endAt + 3
	}
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
