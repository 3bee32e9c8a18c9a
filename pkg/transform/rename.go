package transform

import (
	"sort"

	"enigmacode/pkg/lexis"
)

const renamedIdentLen = 6

// BuildIdentifierMap runs the declaration scan (pass 1): every declared
// identifier gets a generated name. Reserved and builtin names never enter
// the map; names already mapped keep their first assignment.
func BuildIdentifierMap(unit SourceUnit, rng *Rand) IdentifierMap {
	m := IdentifierMap{}
	for _, name := range unit.Declarations() {
		if _, ok := m[name]; ok {
			continue
		}
		m[name] = rng.Ident(renamedIdentLen)
	}
	return m
}

// ApplyIdentifierMap performs pass 2: whole-unit substitution with
// word-boundary matching, so renaming x cannot touch xx or x1.
func ApplyIdentifierMap(unit SourceUnit, m IdentifierMap) SourceUnit {
	text := unit.Text
	for _, name := range sortedKeys(m) {
		text = lexis.ReplaceWord(text, name, m[name])
	}
	return NewSourceUnit(text)
}

// IdentifierRenameStage is the two-pass rename: scan declarations, then
// substitute. A unit with no matching declarations passes through unchanged.
func IdentifierRenameStage(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error) {
	m := BuildIdentifierMap(unit, rng)
	if len(m) == 0 {
		return unit, nil
	}
	return ApplyIdentifierMap(unit, m), nil
}

// sortedKeys fixes substitution order so a seeded run is reproducible.
func sortedKeys(m IdentifierMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
