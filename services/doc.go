// Package services holds the cross-cutting failure taxonomy and context
// plumbing shared by crucible's components.
//
// Every failure that crosses a component boundary is wrapped with one of the
// exported sentinel markers so callers can classify it without string
// matching: the fallback ladder uses Recoverable to decide whether an engine
// reload is warranted, and the batch queue uses Kind to record a stable
// error category on the failed item.
package services
