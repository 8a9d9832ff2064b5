// Package validation defines the input-validation collaborator boundary.
//
// Byte-level format sniffing and metadata extraction live outside the
// orchestration core; this package specifies the contract the batch queue
// and the fallback ladder depend on, plus a minimal container-signature
// prober so the pipeline runs end to end without an external validator.
package validation

import (
	"bytes"
	"context"
)

// Result describes one validated input artifact. Width and Height feed the
// fallback ladder's first resolution ceiling.
type Result struct {
	Valid    bool
	Format   string
	Width    int
	Height   int
	Warnings []string
	Errors   []string
}

// Validator is the external validation collaborator.
type Validator interface {
	Validate(ctx context.Context, data []byte) (Result, error)
}

// SignatureProber is the built-in default Validator. It recognizes inputs by
// container magic bytes only and reports no dimensions, which makes the
// ladder fall back to its configured top rung.
type SignatureProber struct{}

var signatures = []struct {
	format string
	offset int
	magic  []byte
}{
	{"png", 0, []byte{0x89, 'P', 'N', 'G'}},
	{"jpeg", 0, []byte{0xFF, 0xD8, 0xFF}},
	{"gif", 0, []byte("GIF8")},
	{"webp", 8, []byte("WEBP")},
	{"avif", 4, []byte("ftyp")},
	{"mp4", 4, []byte("ftyp")},
	{"mkv", 0, []byte{0x1A, 0x45, 0xDF, 0xA3}},
}

// Validate identifies the input's container format by signature.
func (SignatureProber) Validate(_ context.Context, data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{Errors: []string{"empty input"}}, nil
	}
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(data) >= end && bytes.Equal(data[sig.offset:end], sig.magic) {
			return Result{Valid: true, Format: sig.format}, nil
		}
	}
	return Result{Errors: []string{"unrecognized container signature"}}, nil
}

var _ Validator = SignatureProber{}
