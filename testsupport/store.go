package testsupport

import (
	"context"
	"testing"

	"crucible/config"
	"crucible/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustEnqueue inserts one job for tests using the provided store.
func MustEnqueue(t testing.TB, store *queue.Store, job queue.Job) *queue.Item {
	t.Helper()

	item, err := store.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	return item
}
