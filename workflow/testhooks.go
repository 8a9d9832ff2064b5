package workflow

import "crucible/queue"

// processHook intercepts item processing. It is a package-level variable so
// tests can inject processing failures.
var processHook func(*queue.Item) error

// SetProcessHookForTests overrides item processing during tests.
func SetProcessHookForTests(fn func(*queue.Item) error) func() {
	previous := processHook
	processHook = fn
	return func() {
		processHook = previous
	}
}
