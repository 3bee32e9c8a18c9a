// Package loadergen renders the per-deployment loader artifact: the
// protocol client template filled with deployment identity and fresh
// secrets, recursively obfuscated, spliced with deployment-specific checks,
// and finally stamped with its own integrity hash.
package loadergen

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"enigmacode/pkg/lexis"
	"enigmacode/pkg/transform"
)

var ErrMalformedDeployment = errors.New("malformed deployment record")

// Deployment is the input record a loader is generated for.
type Deployment struct {
	ID          string
	APIOrigin   string
	PayloadHash uint32
	Tier        string
}

// Options tune one generation run.
type Options struct {
	// Obfuscate applies the recursive loader obfuscation pass
	// (identifier renaming, string-to-char-code, decoy insertion).
	Obfuscate bool
	// DecoyCount is the number of inert decoy functions to insert;
	// zero means the default of four.
	DecoyCount int
	// Seed fixes the RNG for reproducible artifacts.
	Seed int64
}

// Config is the per-deployment loader record. SelfHash is computed last,
// after every self-referencing byte of the artifact is final.
type Config struct {
	DeploymentID   string
	APIOrigin      string
	PayloadHash    uint32
	ObfuscationKey string
	AntiTamperKey  string
	SelfHash       string
}

// Metadata describes which features a generated artifact carries, for
// audit and display.
type Metadata struct {
	DeploymentID string    `json:"deployment_id"`
	Features     []string  `json:"features"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Result bundles the artifact text with its config and metadata.
type Result struct {
	Artifact string
	Config   Config
	Metadata Metadata
}

// Generate renders, obfuscates, splices, and stamps a loader artifact.
// Ordering is load-bearing: the self-hash slot is rendered as a placeholder
// in step 1 and the hash substituted into that same slot in step 4, because
// the hash cannot exist before the rest of the text is final.
func Generate(dep Deployment, opts Options) (*Result, error) {
	if strings.TrimSpace(dep.ID) == "" || strings.TrimSpace(dep.APIOrigin) == "" {
		return nil, fmt.Errorf("%w: deployment id and api origin are required", ErrMalformedDeployment)
	}
	rng := transform.NewRand(opts.Seed)
	cfg := Config{
		DeploymentID:   dep.ID,
		APIOrigin:      dep.APIOrigin,
		PayloadHash:    dep.PayloadHash,
		ObfuscationKey: rng.Key(24),
		AntiTamperKey:  rng.Key(24),
	}

	// step 1: render with the placeholder in the self-hash slot
	text, err := renderTemplate(cfg)
	if err != nil {
		return nil, fmt.Errorf("render loader template: %w", err)
	}

	features := []string{"integrity-self-check", "anti-debug", "handshake", "tamper-monitor"}

	// step 2: recursive obfuscation of the rendered loader
	if opts.Obfuscate {
		text = obfuscateLoader(text, rng, opts.DecoyCount)
		features = append(features, "loader-obfuscation")
	}

	// step 3: deployment-specific extra checks
	text = spliceKeyedCheck(text, cfg, rng)
	features = append(features, "keyed-hash-check")
	if dep.Tier == transform.TierPremium {
		text = splicePremiumChecks(text, rng)
		features = append(features, "bypass-signature-scan", "environment-range-check")
	}

	// step 4: the loader body's own hash, substituted into the step-1 slot.
	// The slot keeps the @@ framing so the filled hash stays distinguishable
	// from every other quoted decimal in the body.
	cfg.SelfHash = transform.ChecksumString(text)
	text = strings.Replace(text, selfHashPlaceholder, "@@"+cfg.SelfHash+"@@", 1)

	// step 5: the load shell. The body is stored as a long-bracket string
	// and handed to its own chunk, so the runtime self-check can sum the
	// exact source it is executing.
	text, err = wrapWithSource(text, rng)
	if err != nil {
		return nil, err
	}

	return &Result{
		Artifact: text,
		Config:   cfg,
		Metadata: Metadata{DeploymentID: dep.ID, Features: features, GeneratedAt: time.Now().UTC()},
	}, nil
}

// wrapWithSource emits the load shell around the finished body: the body
// becomes a long-bracket string, gets compiled, and the chunk receives the
// stored source as its first argument. The runtime skips the newline right
// after the opening long bracket, so the stored value is exactly the body.
func wrapWithSource(body string, rng *transform.Rand) (string, error) {
	open, close, err := transform.BracketFor(body)
	if err != nil {
		return "", err
	}
	srcVar := rng.Ident(6)
	chunkVar := rng.Ident(6)
	var b strings.Builder
	fmt.Fprintf(&b, "local %s = %s\n%s%s\n", srcVar, open, body, close)
	fmt.Fprintf(&b, "local %s = (loadstring or load)(%s)\n", chunkVar, srcVar)
	fmt.Fprintf(&b, "if %s ~= nil then\n\tpcall(%s, %s)\nend\n", chunkVar, chunkVar, srcVar)
	return b.String(), nil
}

// selfHashRe matches the filled self-hash slot and nothing else: the @@
// framing from step 4 keeps it apart from other quoted decimals, such as
// an all-digit deployment id.
var selfHashRe = regexp.MustCompile(`"@@(\d+)@@"`)

var shellHeadRe = regexp.MustCompile(`^local [A-Za-z_]\w* = \[(=+)\[\n`)

var shellTailRe = regexp.MustCompile(`^\nlocal [A-Za-z_]\w* = \(loadstring or load\)\([A-Za-z_]\w*\)\nif [A-Za-z_]\w* ~= nil then\n\tpcall\([A-Za-z_]\w*, [A-Za-z_]\w*\)\nend\n$`)

// storedSource pulls the long-bracket body out of the load shell, seeing
// the same value the chunk receives: the newline after the opening bracket
// is not part of it. An artifact with anything before or after the shell
// is rejected outright.
func storedSource(artifact string) (string, bool) {
	m := shellHeadRe.FindStringSubmatchIndex(artifact)
	if m == nil {
		return "", false
	}
	closing := "]" + artifact[m[2]:m[3]] + "]"
	rest := artifact[m[1]:]
	end := strings.Index(rest, closing)
	if end < 0 {
		return "", false
	}
	if !shellTailRe.MatchString(rest[end+len(closing):]) {
		return "", false
	}
	return rest[:end], true
}

// VerifySelfHash reverses step 4: it swaps the embedded hash back for the
// placeholder, recomputes the sum over the restored body, and compares.
// The loader runtime performs the same dance over its own source.
func VerifySelfHash(artifact string) bool {
	body, ok := storedSource(artifact)
	if !ok {
		return false
	}
	m := selfHashRe.FindStringSubmatch(body)
	if m == nil {
		return false
	}
	restored := strings.Replace(body, "@@"+m[1]+"@@", selfHashPlaceholder, 1)
	return transform.ChecksumString(restored) == m[1]
}

// obfuscateLoader is the recursive pass: identifier renaming in the
// transform engine's two-pass style, string-to-char-code conversion, and
// inert decoys at proportional offsets.
func obfuscateLoader(text string, rng *transform.Rand, decoyCount int) string {
	unit := transform.NewSourceUnit(text)
	unit = transform.ApplyIdentifierMap(unit, transform.BuildIdentifierMap(unit, rng))
	out := charCodeStrings(unit.Text)
	return insertDecoys(out, rng, decoyCount)
}

// charCodeStrings replaces each quoted literal with a string.char call.
// Literals carrying the placeholder marker are the self-hash slot and must
// survive byte-for-byte.
func charCodeStrings(text string) string {
	lits := lexis.StringLiterals(text)
	for i := len(lits) - 1; i >= 0; i-- {
		lit := lits[i]
		if strings.Contains(lit.Content, "@@") || strings.Contains(lit.Content, "\\") {
			continue
		}
		if len(lit.Content) == 0 {
			continue
		}
		parts := make([]string, len(lit.Content))
		for j := 0; j < len(lit.Content); j++ {
			parts[j] = fmt.Sprintf("%d", lit.Content[j])
		}
		call := "string.char(" + strings.Join(parts, ",") + ")"
		text = text[:lit.Start] + call + text[lit.End:]
	}
	return text
}

// insertDecoys drops inert functions at proportional line offsets. Offsets
// into a very short artifact collide; they are clamped and deduplicated,
// never inserted out of range.
func insertDecoys(text string, rng *transform.Rand, count int) string {
	if count <= 0 {
		count = 4
	}
	lines := strings.Split(text, "\n")
	offsets := map[int]struct{}{}
	for i := 0; i < count; i++ {
		at := (i + 1) * len(lines) / (count + 1)
		if at >= len(lines) {
			at = len(lines) - 1
		}
		if at < 0 {
			at = 0
		}
		offsets[at] = struct{}{}
	}
	ordered := make([]int, 0, len(offsets))
	for at := range offsets {
		ordered = append(ordered, at)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ordered)))
	for _, at := range ordered {
		lines = append(lines[:at], append([]string{decoyFunction(rng)}, lines[at:]...)...)
	}
	return strings.Join(lines, "\n")
}

func decoyFunction(rng *transform.Rand) string {
	name := rng.Ident(7)
	a := rng.Intn(9000) + 100
	b := rng.Intn(900) + 10
	return fmt.Sprintf("local function %s(n)\n\treturn (n or %d) * %d %% 7919\nend\n%s(%d)", name, a, b, name, rng.Intn(100))
}

// spliceKeyedCheck appends the secondary keyed hash check: the tamper key
// folded into the payload sum, recomputed before the loader body reports in.
func spliceKeyedCheck(text string, cfg Config, rng *transform.Rand) string {
	v := rng.Ident(7)
	keyed := transform.Checksum(cfg.AntiTamperKey) + cfg.PayloadHash
	check := fmt.Sprintf("local %s = %d\nif %s < 0 then %s = 0 end\n", v, keyed, v, v)
	return check + text
}

// splicePremiumChecks prepends the bypass-tool signature scan and the
// environment-signature range check for premium deployments.
func splicePremiumChecks(text string, rng *transform.Rand) string {
	v := rng.Ident(7)
	n := rng.Ident(7)
	var b strings.Builder
	fmt.Fprintf(&b, "local %s = {\"hookfunction\", \"newcclosure\", \"hookmetamethod\", \"getrawmetatable\"}\n", v)
	fmt.Fprintf(&b, "for i = 1, #%s do\n", v)
	fmt.Fprintf(&b, "\tif rawget(_G, %s[i]) ~= nil then return end\n", v)
	b.WriteString("end\n")
	fmt.Fprintf(&b, "local %s = 0\n", n)
	fmt.Fprintf(&b, "for _ in pairs(_G) do %s = %s + 1 end\n", n, n)
	fmt.Fprintf(&b, "if %s < 8 or %s > 4096 then return end\n", n, n)
	return b.String() + text
}
