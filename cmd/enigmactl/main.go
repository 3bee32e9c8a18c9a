package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"enigmacode/pkg/loadergen"
	"enigmacode/pkg/transform"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "obfuscate":
		return obfuscateCmd(args[1:], out)
	case "loader":
		return loaderCmd(args[1:], out)
	case "checksum":
		return checksumCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "enigmactl commands:")
	fmt.Fprintln(out, "  obfuscate --in script.lua --out script.obf.lua --tier premium --seed 42")
	fmt.Fprintln(out, "  loader --deployment-id <id> --api-origin https://api.example.com --payload script.obf.lua --out loader.lua")
	fmt.Fprintln(out, "  checksum --in script.lua")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func obfuscateCmd(args []string, out io.Writer) error {
	fs := newFlagSet("obfuscate")
	inPath := fs.String("in", "", "source file")
	outPath := fs.String("out", "", "output file; stdout when empty")
	tier := fs.String("tier", transform.TierStandard, "standard or premium")
	seed := fs.Int64("seed", 0, "fixed RNG seed; 0 means time-derived")
	noStrings := fs.Bool("no-strings", false, "skip string encryption")
	noRename := fs.Bool("no-rename", false, "skip variable renaming")
	noAntiDebug := fs.Bool("no-antidebug", false, "skip anti-debug traps")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("in required")
	}
	source, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	cfg := transform.Config{
		Tier:                  *tier,
		StringEncryption:      !*noStrings,
		VariableRenaming:      !*noRename,
		AntiDebugging:         !*noAntiDebug,
		ControlFlowFlattening: true,
		BytecodeEncryption:    true,
		Virtualization:        true,
		IntegrityChecks:       true,
		Seed:                  *seed,
	}
	obfuscated, err := transform.Obfuscate(string(source), cfg)
	if err != nil {
		return fmt.Errorf("obfuscate: %w", err)
	}

	if *outPath == "" {
		fmt.Fprintln(out, obfuscated)
		return nil
	}
	if err := os.WriteFile(*outPath, []byte(obfuscated), 0o600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Fprintf(out, "wrote %s (checksum %s)\n", *outPath, transform.ChecksumString(obfuscated))
	return nil
}

func loaderCmd(args []string, out io.Writer) error {
	fs := newFlagSet("loader")
	deploymentID := fs.String("deployment-id", "", "deployment id")
	apiOrigin := fs.String("api-origin", "", "validation service origin")
	payloadPath := fs.String("payload", "", "obfuscated payload file; its checksum is embedded")
	tier := fs.String("tier", transform.TierStandard, "standard or premium")
	outPath := fs.String("out", "loader.lua", "artifact output path")
	plain := fs.Bool("plain", false, "skip the loader obfuscation pass")
	decoys := fs.Int("decoys", 0, "decoy function count; 0 means default")
	seed := fs.Int64("seed", 0, "fixed RNG seed; 0 means time-derived")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deploymentID == "" || *apiOrigin == "" || *payloadPath == "" {
		return errors.New("deployment-id, api-origin, payload required")
	}
	payload, err := os.ReadFile(*payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	res, err := loadergen.Generate(loadergen.Deployment{
		ID:          *deploymentID,
		APIOrigin:   *apiOrigin,
		PayloadHash: transform.Checksum(string(payload)),
		Tier:        *tier,
	}, loadergen.Options{
		Obfuscate:  !*plain,
		DecoyCount: *decoys,
		Seed:       *seed,
	})
	if err != nil {
		return fmt.Errorf("generate loader: %w", err)
	}
	if err := os.WriteFile(*outPath, []byte(res.Artifact), 0o600); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	fmt.Fprintf(out, "wrote %s (self-hash %s)\n", *outPath, res.Config.SelfHash)
	return nil
}

func checksumCmd(args []string, out io.Writer) error {
	fs := newFlagSet("checksum")
	inPath := fs.String("in", "", "input file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("in required")
	}
	raw, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	fmt.Fprintln(out, transform.ChecksumString(string(raw)))
	return nil
}
