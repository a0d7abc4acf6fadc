package sievecompile_test

import (
	"errors"
	"strings"
	"testing"

	"housekeeperd/internal/sieve"
	"housekeeperd/internal/sievecompile"
)

func TestCompileExtractsRequireExtensions(t *testing.T) {
	c := sievecompile.New()
	script := `require ["fileinto", "envelope"]; if true { fileinto "Spam"; }`
	compiled, err := c.Compile([]byte(script))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(compiled.Extensions) != 2 || compiled.Extensions[0] != "fileinto" || compiled.Extensions[1] != "envelope" {
		t.Fatalf("extensions = %v, want [fileinto envelope]", compiled.Extensions)
	}
}

func TestCompileUnbalancedBracesRejected(t *testing.T) {
	c := sievecompile.New()
	_, err := c.Compile([]byte(`if true { fileinto "Spam";`))
	if err == nil {
		t.Fatal("expected an error for unbalanced braces")
	}
}

func TestCompileTooLarge(t *testing.T) {
	c := sievecompile.Compiler{MaxBytes: 8}
	_, err := c.Compile([]byte(strings.Repeat("a", 100)))
	if !errors.Is(err, sieve.ErrScriptTooLong) {
		t.Fatalf("err = %v, want ErrScriptTooLong", err)
	}
}

func TestCompileEmptyScript(t *testing.T) {
	c := sievecompile.New()
	compiled, err := c.Compile([]byte("   "))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(compiled.Extensions) != 0 {
		t.Fatalf("expected no extensions for an empty script, got %v", compiled.Extensions)
	}
}
