package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"crucible/assetcache"
	"crucible/config"
	"crucible/logging"
	"crucible/metrics"
	"crucible/services"
)

// Factory builds fresh engine instances. Tests inject fakes here.
type Factory func(workDir, binary string) Engine

// Manager owns the single engine instance: its state machine, the asset
// acquisition path, and the watchdog slot every command runs through.
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	cache   *assetcache.Cache
	fetcher *Fetcher
	factory Factory
	metrics *metrics.Metrics
	hub     *Hub

	lock     *flock.Flock
	lockHeld bool

	group singleflight.Group

	mu         sync.Mutex
	state      State
	engine     Engine
	generation uint64
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithFactory overrides how engine instances are constructed.
func WithFactory(factory Factory) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.factory = factory
		}
	}
}

// WithFetcher overrides the bundle fetcher.
func WithFetcher(fetcher *Fetcher) ManagerOption {
	return func(m *Manager) {
		if fetcher != nil {
			m.fetcher = fetcher
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(mx *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mx
	}
}

// NewManager constructs a lifecycle manager. The cache may be disabled;
// loading then always downloads.
func NewManager(cfg *config.Config, cache *assetcache.Cache, logger *slog.Logger, opts ...ManagerOption) *Manager {
	logger = logging.NewComponentLogger(logger, "engine")
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		cache:  cache,
		factory: func(workDir, binary string) Engine {
			return NewProcess(workDir, binary)
		},
		fetcher: NewFetcher(cfg.Engine.BundleURL, cfg.Engine.Binary, cfg.Engine.Version, cfg.DownloadTimeout(), logger),
		hub:     NewHub(256),
		lock:    flock.New(filepath.Join(cfg.Paths.WorkDir, "engine.lock")),
		state:   StateUnloaded,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns the hub carrying this manager's engine events. The hub is
// stable across reloads; each physical instance feeds it through exactly one
// sink attached at Init.
func (m *Manager) Events() *Hub {
	return m.hub
}

// Generation identifies the current physical engine instance.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Load brings the engine to Ready. It is idempotent, and concurrent callers
// share one in-flight load: no duplicate downloads or inits.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateReady || m.state == StateBusy {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do("load", func() (any, error) {
		return nil, m.loadOnce(ctx)
	})
	return err
}

func (m *Manager) loadOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateReady || m.state == StateBusy {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLoading
	m.mu.Unlock()

	if err := m.acquireLock(); err != nil {
		m.resetUnloaded()
		return err
	}

	bundle, err := m.obtainBundle(ctx)
	if err != nil {
		m.resetUnloaded()
		return err
	}

	eng := m.factory(m.cfg.Paths.WorkDir, m.cfg.Engine.Binary)

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	// The one event subscription for this physical instance. Termination
	// destroys the instance, so a reload attaches a fresh sink.
	sink := func(evt Event) {
		evt.Generation = gen
		m.hub.Publish(evt)
	}

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout())
	defer cancel()
	started := time.Now()
	if err := eng.Init(initCtx, bundle, sink); err != nil {
		_ = eng.Terminate()
		m.resetUnloaded()
		if errors.Is(initCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return services.Wrap(services.ErrInitTimeout, "engine", "init", "engine initialization exceeded timeout", err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return services.Wrap(services.ErrCancelled, "engine", "init", "engine initialization cancelled", err)
		}
		return services.Wrap(nil, "engine", "init", "engine initialization failed", err)
	}

	m.mu.Lock()
	m.engine = eng
	m.state = StateReady
	m.mu.Unlock()
	m.metrics.EngineLoaded()
	m.logger.Info("engine loaded",
		logging.String("engine_version", m.cfg.Engine.Version),
		logging.Duration("init_duration", time.Since(started)),
	)
	return nil
}

// obtainBundle consults the asset cache before any network fetch and
// writes downloads through to it best-effort.
func (m *Manager) obtainBundle(ctx context.Context) (*assetcache.Bundle, error) {
	version := m.cfg.Engine.Version
	if bundle, ok := m.cache.Get(version); ok {
		m.metrics.CacheHit()
		m.logger.Debug("asset bundle served from cache", logging.String("engine_version", version))
		return bundle, nil
	}
	m.metrics.CacheMiss()
	bundle, err := m.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if !m.cache.Put(version, bundle) {
		// Caching is an optimization; a failed write never fails the load.
		m.logger.Debug("asset bundle not cached", logging.String("engine_version", version))
	}
	return bundle, nil
}

// Terminate unconditionally tears the engine down and returns the state to
// Unloaded. Inner errors are ignored; redundant calls are safe.
func (m *Manager) Terminate() {
	m.mu.Lock()
	eng := m.engine
	m.engine = nil
	hadEngine := eng != nil
	if hadEngine {
		m.state = StateTerminated
	}
	m.mu.Unlock()

	if hadEngine {
		_ = eng.Terminate()
		m.metrics.EngineTerminated()
		m.logger.Info("engine terminated")
	}
	m.resetUnloaded()
}

// Close terminates the engine and releases the instance lock.
func (m *Manager) Close() {
	m.Terminate()
	m.releaseLock()
}

// WriteInput stores data in the current engine's workspace.
func (m *Manager) WriteInput(name string, data []byte) error {
	eng, err := m.current()
	if err != nil {
		return err
	}
	return eng.WriteInput(name, data)
}

// ReadOutput retrieves a file from the current engine's workspace.
func (m *Manager) ReadOutput(name string) ([]byte, error) {
	eng, err := m.current()
	if err != nil {
		return nil, err
	}
	return eng.ReadOutput(name)
}

// RemoveWorkspace deletes a workspace entry from the current engine.
func (m *Manager) RemoveWorkspace(name string) error {
	eng, err := m.current()
	if err != nil {
		return err
	}
	return eng.Remove(name)
}

func (m *Manager) current() (Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil || (m.state != StateReady && m.state != StateBusy) {
		return nil, services.Wrap(services.ErrNotLoaded, "engine", "workspace", "no engine instance loaded", nil)
	}
	return m.engine, nil
}

func (m *Manager) resetUnloaded() {
	m.mu.Lock()
	m.state = StateUnloaded
	m.engine = nil
	m.mu.Unlock()
}

// acquireLock enforces cross-process exclusivity of the engine workspace.
func (m *Manager) acquireLock() error {
	m.mu.Lock()
	held := m.lockHeld
	m.mu.Unlock()
	if held {
		return nil
	}
	ok, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire engine lock: %w", err)
	}
	if !ok {
		return errors.New("engine workspace locked by another process")
	}
	m.mu.Lock()
	m.lockHeld = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) releaseLock() {
	m.mu.Lock()
	held := m.lockHeld
	m.lockHeld = false
	m.mu.Unlock()
	if held {
		_ = m.lock.Unlock()
	}
}
