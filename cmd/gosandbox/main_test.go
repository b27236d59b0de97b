package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("GOSANDBOX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfgFile, policyFile = "", ""
	var out, errOut bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunEval(t *testing.T) {
	out, err := runCLI(t, "run", "-e", "return 20 + 22")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) != "42" {
		t.Fatalf("expected 42, got %q", out)
	}
}

func TestCheckReportsDenial(t *testing.T) {
	if _, err := runCLI(t, "check", "-e", "return other()"); err == nil || !strings.Contains(err.Error(), "other") {
		t.Fatalf("expected denial naming other, got %v", err)
	}
	out, err := runCLI(t, "check", "-e", "return 1")
	if err != nil || !strings.HasPrefix(out, "ok") {
		t.Fatalf("expected ok, got %q, %v", out, err)
	}
}

func TestCheckParseErrorSnippet(t *testing.T) {
	_, err := runCLI(t, "check", "-e", "return (")
	if err == nil || !strings.Contains(err.Error(), "^") {
		t.Fatalf("expected snippet, got %v", err)
	}
}

func TestPolicyInitAndProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if _, err := runCLI(t, "policy", "init", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("policy not written: %v", err)
	}
	if _, err := runCLI(t, "policy", "init", path); err == nil {
		t.Fatal("expected init to refuse an existing file")
	}

	out, err := runCLI(t, "--policy", path, "policy", "probe", "keyword", "for")
	if err != nil || !strings.Contains(out, "keyword for allowed") {
		t.Fatalf("expected allowed keyword, got %q, %v", out, err)
	}
	if _, err := runCLI(t, "--policy", path, "policy", "probe", "function", "os.Exit"); err == nil {
		t.Fatal("expected os.Exit to be denied")
	}
}

func TestPolicyDocumentApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := "whitelist:\n  aliases: [strings]\n  functions: [strings.ToUpper]\ncode: |\n  import \"strings\"\n  return strings.ToUpper(\"hi\")\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	out, err := runCLI(t, "--policy", path, "run")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) != "HI" {
		t.Fatalf("expected HI, got %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil || !strings.Contains(out, "commit") {
		t.Fatalf("unexpected version output %q, %v", out, err)
	}
}
