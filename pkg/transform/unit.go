// Package transform implements the source-to-source obfuscation stages and
// the pipeline that orders them. Each stage is a pure function from a
// SourceUnit to a new SourceUnit; pipeline state (identifier maps, the RNG)
// is threaded through explicitly so concurrent pipeline runs never share
// mutable state.
package transform

import (
	"errors"
	"fmt"

	"enigmacode/pkg/lexis"
)

const (
	TierStandard = "standard"
	TierPremium  = "premium"
)

var ErrUnknownTier = errors.New("unknown obfuscation tier")

// SourceUnit is an immutable snapshot of source text plus its derived token
// stream. Stages never mutate a unit; they produce a new one.
type SourceUnit struct {
	Text string
}

func NewSourceUnit(text string) SourceUnit {
	return SourceUnit{Text: text}
}

// Literals returns the unit's string-literal spans.
func (u SourceUnit) Literals() []lexis.StringLiteral {
	return lexis.StringLiterals(u.Text)
}

// Declarations returns identifier names introduced by declaration patterns.
func (u SourceUnit) Declarations() []string {
	return lexis.Declarations(u.Text)
}

// Blocks returns the unit's single-level if/then/else/end spans.
func (u SourceUnit) Blocks() []lexis.Block {
	return lexis.IfBlocks(u.Text)
}

// Config selects tier and per-feature flags for one obfuscation run.
// Premium-only flags (control-flow flattening, bytecode packing,
// virtualization) are silently ignored on the standard tier.
type Config struct {
	Tier                  string `json:"tier"`
	StringEncryption      bool   `json:"stringEncryption"`
	VariableRenaming      bool   `json:"variableRenaming"`
	AntiDebugging         bool   `json:"antiDebugging"`
	ControlFlowFlattening bool   `json:"controlFlowFlattening"`
	BytecodeEncryption    bool   `json:"bytecodeEncryption"`
	Virtualization        bool   `json:"virtualization"`
	IntegrityChecks       bool   `json:"integrityChecks"`

	// Seed fixes the RNG for reproducible output; zero means a fresh
	// time-derived seed per call.
	Seed int64 `json:"seed,omitempty"`
}

func (c Config) Validate() error {
	switch c.Tier {
	case TierStandard, TierPremium:
		return nil
	case "":
		return fmt.Errorf("%w: tier is required", ErrUnknownTier)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTier, c.Tier)
	}
}

func (c Config) premium() bool { return c.Tier == TierPremium }

// IdentifierMap maps original identifier names to generated ones. Scoped to
// a single obfuscation run; never reused across runs.
type IdentifierMap map[string]string

// StageFunc is the contract every transform stage satisfies. A stage that
// finds nothing to rewrite returns its input unchanged; a stage-local fault
// returns an error and the pipeline passes the original unit through.
type StageFunc func(unit SourceUnit, cfg Config, rng *Rand) (SourceUnit, error)
