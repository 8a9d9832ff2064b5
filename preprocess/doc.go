// Package preprocess runs the pixel-level preprocessing collaborator behind
// a correlation-id worker protocol.
//
// The pool owns scheduling, cancellation by request id, and worker
// recycling; the pixel work itself is external, behind the Transformer
// interface. Preprocessing is always best-effort for callers: a failed or
// cancelled request falls back to the original bytes upstream.
package preprocess
