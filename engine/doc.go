// Package engine manages the single transcoding-engine instance: loading and
// terminating it, bounding every command with the execution watchdog, and
// normalizing its progress output.
//
// The engine itself is an opaque external dependency reachable only through
// the Engine interface's command/response boundary. It can hang, crash, or
// run out of memory; this package exists to make it usable despite that. The
// Manager owns all engine state explicitly — there is no package-level
// instance — so independent orchestrators never share hidden state.
package engine
