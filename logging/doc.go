// Package logging assembles the structured slog helpers used across
// crucible's components.
//
// It centralizes attribute constructors, standardized field names, and
// context-aware helpers so lifecycle, ladder, and queue code tag log lines
// with job IDs and correlation IDs the same way. A no-op logger is provided
// for tests and wiring code that cannot fail.
package logging
