package transform

import "log"

// Pipeline stage order is fixed: encryption, renaming, anti-debug, then the
// premium trio (flatten, pack, virtualize), then the integrity stamp, and
// the protective wrapper last and unconditionally.
type pipelineStep struct {
	name        string
	enabled     func(Config) bool
	premiumOnly bool
	fn          StageFunc
}

var pipelineSteps = []pipelineStep{
	{"string-encryption", func(c Config) bool { return c.StringEncryption }, false, StringEncryptionStage},
	{"identifier-rename", func(c Config) bool { return c.VariableRenaming }, false, IdentifierRenameStage},
	{"anti-debug", func(c Config) bool { return c.AntiDebugging }, false, AntiDebugStage},
	{"control-flow-flatten", func(c Config) bool { return c.ControlFlowFlattening }, true, ControlFlowFlatteningStage},
	{"bytecode-pack", func(c Config) bool { return c.BytecodeEncryption }, true, BytecodePackStage},
	{"virtualize", func(c Config) bool { return c.Virtualization }, true, VirtualizeStage},
	{"integrity-stamp", func(c Config) bool { return c.IntegrityChecks }, false, IntegrityStampStage},
}

// Obfuscate applies the enabled stages in order and wraps the result in the
// protective shell. Premium-only flags are silently ignored on the standard
// tier. A stage-local fault never aborts the run: the faulting stage logs a
// warning and the unit passes through it unchanged. Deterministic when
// cfg.Seed is set; fresh keys and names per call otherwise.
func Obfuscate(source string, cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	rng := NewRand(cfg.Seed)
	unit := NewSourceUnit(source)
	for _, step := range pipelineSteps {
		if !step.enabled(cfg) {
			continue
		}
		if step.premiumOnly && !cfg.premium() {
			continue
		}
		next, err := step.fn(unit, cfg, rng)
		if err != nil {
			log.Printf("transform: stage %s failed, unit passed through: %v", step.name, err)
			continue
		}
		unit = next
	}
	return WrapProtective(unit.Text), nil
}
