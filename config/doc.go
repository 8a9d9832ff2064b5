// Package config loads, normalizes, and validates crucible's TOML
// configuration.
//
// Every empirically tuned constant in the orchestration core — ladder rungs,
// the three engine timeouts, queue caps — is a configuration field here so
// deployments can retune them without code changes.
package config
