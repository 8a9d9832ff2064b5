package assetcache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sys/unix"

	"crucible/logging"
)

// Bundle is the versioned set of blobs required to initialize the engine.
// A bundle is immutable once cached under its version key; a new engine
// version is a new key, never an in-place update.
type Bundle struct {
	Binary    []byte
	Wasm      []byte
	Worker    []byte
	Version   string
	FetchedAt time.Time
}

// Complete reports whether all three required blobs are present.
func (b *Bundle) Complete() bool {
	return b != nil && len(b.Binary) > 0 && len(b.Wasm) > 0 && len(b.Worker) > 0
}

// Size returns the total blob payload in bytes.
func (b *Bundle) Size() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Binary) + len(b.Wasm) + len(b.Worker))
}

type bundleMeta struct {
	Version   string    `json:"version"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache stores bundles in a Badger database keyed by engine version.
type Cache struct {
	db     *badger.DB
	dir    string
	logger *slog.Logger
}

// Open connects to (or creates) the cache at dir. Storage failures disable
// the cache instead of failing: the returned Cache answers every Get with a
// miss and every Put with false.
func Open(dir string, logger *slog.Logger) *Cache {
	logger = logging.NewComponentLogger(logger, "assetcache")
	cache := &Cache{dir: strings.TrimSpace(dir), logger: logger}
	if cache.dir == "" {
		logger.Warn("asset cache disabled: no cache directory configured")
		return cache
	}
	opts := badger.DefaultOptions(cache.dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		logger.Warn("asset cache disabled: storage unavailable",
			logging.Error(err),
			logging.String("cache_dir", cache.dir),
		)
		return cache
	}
	cache.db = db
	return cache
}

// Close releases the underlying database. Safe on a disabled cache.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func metaKey(version string) []byte   { return []byte("bundle/" + version + "/meta") }
func binaryKey(version string) []byte { return []byte("bundle/" + version + "/binary") }
func wasmKey(version string) []byte   { return []byte("bundle/" + version + "/wasm") }
func workerKey(version string) []byte { return []byte("bundle/" + version + "/worker") }

// Get loads the bundle cached under version. It never fails: storage
// unavailability and corrupt or partial records are all reported as a miss.
func (c *Cache) Get(version string) (*Bundle, bool) {
	if c == nil || c.db == nil || strings.TrimSpace(version) == "" {
		return nil, false
	}
	bundle := &Bundle{Version: version}
	err := c.db.View(func(txn *badger.Txn) error {
		raw, err := readValue(txn, metaKey(version))
		if err != nil {
			return err
		}
		var meta bundleMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		bundle.FetchedAt = meta.FetchedAt
		if bundle.Binary, err = readValue(txn, binaryKey(version)); err != nil {
			return err
		}
		if bundle.Wasm, err = readValue(txn, wasmKey(version)); err != nil {
			return err
		}
		bundle.Worker, err = readValue(txn, workerKey(version))
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("asset cache read failed; treating as miss",
				logging.Error(err),
				logging.String("engine_version", version),
			)
		}
		return nil, false
	}
	if !bundle.Complete() {
		c.logger.Warn("asset cache record incomplete; treating as miss",
			logging.String("engine_version", version),
		)
		return nil, false
	}
	return bundle, true
}

// Put stores the bundle under its version key. When available disk space is
// insufficient it evicts existing entries first. Returns false when the
// bundle is incomplete or the write cannot be completed.
func (c *Cache) Put(version string, bundle *Bundle) bool {
	if c == nil || c.db == nil || strings.TrimSpace(version) == "" || !bundle.Complete() {
		return false
	}
	if !c.ensureSpace(bundle.Size()) {
		return false
	}
	meta := bundleMeta{Version: version, FetchedAt: bundle.FetchedAt}
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = time.Now().UTC()
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return false
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(binaryKey(version), bundle.Binary); err != nil {
			return err
		}
		if err := txn.Set(wasmKey(version), bundle.Wasm); err != nil {
			return err
		}
		if err := txn.Set(workerKey(version), bundle.Worker); err != nil {
			return err
		}
		return txn.Set(metaKey(version), rawMeta)
	})
	if err != nil {
		c.logger.Warn("asset cache write failed",
			logging.Error(err),
			logging.String("engine_version", version),
		)
		return false
	}
	return true
}

// Delete removes the bundle cached under version. Best effort.
func (c *Cache) Delete(version string) {
	if c == nil || c.db == nil || strings.TrimSpace(version) == "" {
		return
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{metaKey(version), binaryKey(version), wasmKey(version), workerKey(version)} {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("asset cache delete failed",
			logging.Error(err),
			logging.String("engine_version", version),
		)
	}
}

// Clear drops every cached bundle. Best effort.
func (c *Cache) Clear() {
	if c == nil || c.db == nil {
		return
	}
	if err := c.db.DropPrefix([]byte("bundle/")); err != nil {
		c.logger.Warn("asset cache clear failed", logging.Error(err))
	}
}

// ensureSpace verifies the filesystem holding the cache can absorb a write of
// the given size, evicting existing entries when it cannot. A failed probe is
// treated as sufficient space; the subsequent write surfaces any real error.
func (c *Cache) ensureSpace(size int64) bool {
	var stat unix.Statfs_t
	if err := unix.Statfs(c.dir, &stat); err != nil {
		return true
	}
	avail := int64(stat.Bavail) * int64(stat.Bsize)
	// Badger needs headroom beyond the raw payload for its value log.
	needed := size * 2
	if avail >= needed {
		return true
	}
	c.logger.Info("evicting cached bundles to free space",
		logging.Int64("available_bytes", avail),
		logging.Int64("needed_bytes", needed),
	)
	c.Clear()
	if err := unix.Statfs(c.dir, &stat); err != nil {
		return true
	}
	return int64(stat.Bavail)*int64(stat.Bsize) >= needed
}

func readValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
