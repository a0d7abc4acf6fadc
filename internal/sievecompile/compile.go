// Package sievecompile provides a minimal sieve.Compiler implementation:
// enough lexical validation to exercise the Sieve manager's compile path
// end to end (size limits, require-clause extension extraction, balanced
// blocks) without reimplementing the full RFC 5228 language. A real
// deployment would swap this for a complete Sieve interpreter; the
// manager only depends on the Compiler interface, so nothing else in
// this module changes.
package sievecompile

import (
	"fmt"
	"regexp"
	"strings"

	"housekeeperd/internal/sieve"
)

// MaxScriptBytes is the default compiled-source size limit.
const MaxScriptBytes = 1 << 16

var requireRe = regexp.MustCompile(`require\s*\[([^\]]*)\]`)

// Compiler is a minimal Sieve lexical validator and extension extractor.
type Compiler struct {
	MaxBytes int
}

// New creates a Compiler with the default size limit.
func New() Compiler { return Compiler{MaxBytes: MaxScriptBytes} }

// Compile implements sieve.Compiler.
func (c Compiler) Compile(source []byte) (sieve.CompiledScript, error) {
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxScriptBytes
	}
	if len(source) > maxBytes {
		return sieve.CompiledScript{}, sieve.ErrScriptTooLong
	}
	if len(strings.TrimSpace(string(source))) == 0 {
		return sieve.CompiledScript{Extensions: nil, Bytecode: []byte{}}, nil
	}
	if depth := braceDepth(source); depth != 0 {
		return sieve.CompiledScript{}, fmt.Errorf("sievecompile: unbalanced braces (depth %d)", depth)
	}

	var extensions []string
	if m := requireRe.FindSubmatch(source); m != nil {
		for _, raw := range strings.Split(string(m[1]), ",") {
			ext := strings.Trim(strings.TrimSpace(raw), `"`)
			if ext != "" {
				extensions = append(extensions, ext)
			}
		}
	}

	return sieve.CompiledScript{
		Extensions: extensions,
		Bytecode:   append([]byte(nil), source...),
	}, nil
}

func braceDepth(source []byte) int {
	depth := 0
	for _, b := range source {
		switch b {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	return depth
}
