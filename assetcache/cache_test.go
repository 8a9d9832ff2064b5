package assetcache

import (
	"testing"
	"time"

	"crucible/logging"
)

func testBundle(version string) *Bundle {
	return &Bundle{
		Binary:    []byte("binary-bytes"),
		Wasm:      []byte("wasm-bytes"),
		Worker:    []byte("worker-bytes"),
		Version:   version,
		FetchedAt: time.Now().UTC(),
	}
}

func openCache(t *testing.T) *Cache {
	t.Helper()
	cache := Open(t.TempDir(), logging.NewNop())
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestPutGetRoundtrip(t *testing.T) {
	cache := openCache(t)

	if !cache.Put("1.0.0", testBundle("1.0.0")) {
		t.Fatal("Put should succeed")
	}
	got, ok := cache.Get("1.0.0")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got.Binary) != "binary-bytes" || string(got.Wasm) != "wasm-bytes" || string(got.Worker) != "worker-bytes" {
		t.Fatalf("bundle blobs corrupted: %+v", got)
	}
	if got.Version != "1.0.0" {
		t.Fatalf("version = %q", got.Version)
	}
}

func TestGetUnknownVersionIsMiss(t *testing.T) {
	cache := openCache(t)
	if _, ok := cache.Get("9.9.9"); ok {
		t.Fatal("expected miss for unknown version")
	}
}

func TestIncompleteBundleRejected(t *testing.T) {
	cache := openCache(t)
	bundle := testBundle("1.0.0")
	bundle.Wasm = nil
	if cache.Put("1.0.0", bundle) {
		t.Fatal("incomplete bundle should not be stored")
	}
	if _, ok := cache.Get("1.0.0"); ok {
		t.Fatal("expected miss after rejected put")
	}
}

func TestDisabledCacheNeverThrows(t *testing.T) {
	// An unwritable directory disables the store; every operation still
	// answers instead of failing.
	cache := Open("/proc/no-such-dir/cache", logging.NewNop())
	t.Cleanup(func() { _ = cache.Close() })

	if _, ok := cache.Get("1.0.0"); ok {
		t.Fatal("disabled cache should miss")
	}
	if cache.Put("1.0.0", testBundle("1.0.0")) {
		t.Fatal("disabled cache should refuse writes")
	}
	cache.Delete("1.0.0")
	cache.Clear()
}

func TestDeleteAndClear(t *testing.T) {
	cache := openCache(t)
	cache.Put("1.0.0", testBundle("1.0.0"))
	cache.Put("2.0.0", testBundle("2.0.0"))

	cache.Delete("1.0.0")
	if _, ok := cache.Get("1.0.0"); ok {
		t.Fatal("expected miss after delete")
	}
	if _, ok := cache.Get("2.0.0"); !ok {
		t.Fatal("delete should not disturb other versions")
	}

	cache.Clear()
	if _, ok := cache.Get("2.0.0"); ok {
		t.Fatal("expected miss after clear")
	}
}

func TestPutOverwritesSameVersion(t *testing.T) {
	cache := openCache(t)
	cache.Put("1.0.0", testBundle("1.0.0"))

	updated := testBundle("1.0.0")
	updated.Binary = []byte("new-binary")
	if !cache.Put("1.0.0", updated) {
		t.Fatal("overwrite should succeed")
	}
	got, ok := cache.Get("1.0.0")
	if !ok || string(got.Binary) != "new-binary" {
		t.Fatalf("expected overwritten binary, got %+v ok=%v", got, ok)
	}
}
