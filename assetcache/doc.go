// Package assetcache persists the engine's versioned binary bundles across
// sessions.
//
// The cache is an optimization, never a dependency: lookups on a broken or
// absent store report a miss, writes report false, and the caller's control
// flow is never disturbed by storage failures.
package assetcache
