package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"enigmacode/pkg/loadergen"
	"enigmacode/pkg/transform"
)

func TestRunCommandRouting(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatal("expected error when command is missing")
	}
	if !strings.Contains(out.String(), "enigmactl commands") {
		t.Fatalf("expected usage output, got %q", out.String())
	}

	out.Reset()
	if err := run([]string{"unknown"}, &out); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(out.String(), "enigmactl commands") {
		t.Fatalf("expected usage output for unknown command, got %q", out.String())
	}
}

func TestObfuscateCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inPath := filepath.Join(dir, "script.lua")
	outPath := filepath.Join(dir, "script.obf.lua")
	if err := os.WriteFile(inPath, []byte(`local secret = "hello world"
print(secret)
`), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	var out bytes.Buffer
	err := run([]string{"obfuscate", "--in", inPath, "--out", outPath, "--tier", "premium", "--seed", "42"}, &out)
	if err != nil {
		t.Fatalf("obfuscate failed: %v", err)
	}
	if !strings.Contains(out.String(), "wrote "+outPath) {
		t.Fatalf("expected wrote line, got %q", out.String())
	}

	obfuscated, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.Contains(string(obfuscated), "hello world") {
		t.Fatal("string literal survived obfuscation")
	}

	// same seed, same artifact
	outPath2 := filepath.Join(dir, "script.obf2.lua")
	if err := run([]string{"obfuscate", "--in", inPath, "--out", outPath2, "--tier", "premium", "--seed", "42"}, &out); err != nil {
		t.Fatalf("second obfuscate failed: %v", err)
	}
	obfuscated2, _ := os.ReadFile(outPath2)
	if string(obfuscated) != string(obfuscated2) {
		t.Fatal("expected identical artifacts for identical seeds")
	}
}

func TestObfuscateCommandToStdout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inPath := filepath.Join(dir, "script.lua")
	if err := os.WriteFile(inPath, []byte("print(1)\n"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	var out bytes.Buffer
	if err := run([]string{"obfuscate", "--in", inPath, "--seed", "7"}, &out); err != nil {
		t.Fatalf("obfuscate failed: %v", err)
	}
	if out.Len() == 0 {
		t.Fatal("expected obfuscated source on stdout")
	}
}

func TestObfuscateCommandErrors(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run([]string{"obfuscate"}, &out); err == nil {
		t.Fatal("expected error without --in")
	}
	if err := run([]string{"obfuscate", "--in", "does-not-exist.lua"}, &out); err == nil {
		t.Fatal("expected error for missing source file")
	}

	dir := t.TempDir()
	inPath := filepath.Join(dir, "script.lua")
	_ = os.WriteFile(inPath, []byte("print(1)\n"), 0o600)
	if err := run([]string{"obfuscate", "--in", inPath, "--tier", "platinum"}, &out); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestLoaderCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	payloadPath := filepath.Join(dir, "payload.lua")
	payload := `print("unlocked")`
	if err := os.WriteFile(payloadPath, []byte(payload), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	artifactPath := filepath.Join(dir, "loader.lua")

	var out bytes.Buffer
	err := run([]string{
		"loader",
		"--deployment-id", "dep-1",
		"--api-origin", "https://api.example.com",
		"--payload", payloadPath,
		"--out", artifactPath,
		"--seed", "9",
	}, &out)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}
	if !strings.Contains(out.String(), "self-hash") {
		t.Fatalf("expected self-hash in output, got %q", out.String())
	}

	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !loadergen.VerifySelfHash(string(artifact)) {
		t.Fatal("generated artifact failed its own integrity check")
	}
	if !strings.Contains(string(artifact), transform.ChecksumString(payload)) {
		t.Fatal("artifact does not embed the payload checksum")
	}
}

func TestLoaderCommandErrors(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run([]string{"loader", "--deployment-id", "dep-1"}, &out); err == nil {
		t.Fatal("expected error for missing flags")
	}
	if err := run([]string{
		"loader",
		"--deployment-id", "dep-1",
		"--api-origin", "https://api.example.com",
		"--payload", "does-not-exist.lua",
	}, &out); err == nil {
		t.Fatal("expected error for missing payload file")
	}
}

func TestChecksumCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inPath := filepath.Join(dir, "script.lua")
	content := "print(1)\n"
	if err := os.WriteFile(inPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}

	var out bytes.Buffer
	if err := run([]string{"checksum", "--in", inPath}, &out); err != nil {
		t.Fatalf("checksum failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != transform.ChecksumString(content) {
		t.Fatalf("unexpected checksum output: %q", out.String())
	}

	if err := run([]string{"checksum"}, &out); err == nil {
		t.Fatal("expected error without --in")
	}
	if err := run([]string{"checksum", "--in", "does-not-exist.lua"}, &out); err == nil {
		t.Fatal("expected error for missing input file")
	}
}
