// Package planner builds and runs the fallback ladder: an ordered,
// strictly decreasing-cost sequence of conversion attempts for one job and
// one target format.
//
// Planning is deterministic — the same source, constraints, and ladder
// tuning always yield the same attempt sequence. Execution walks the ladder
// through the execution watchdog, reloading the engine after recoverable
// failures and always advancing to the next cheaper rung, never repeating a
// failed one.
package planner
