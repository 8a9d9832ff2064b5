package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crucible/config"
	"crucible/engine"
	"crucible/logging"
	"crucible/metrics"
	"crucible/planner"
	"crucible/preprocess"
	"crucible/queue"
	"crucible/validation"
)

// Manager coordinates queue processing. One item is in flight at a time;
// the engine never sees two concurrent commands.
type Manager struct {
	cfg       *config.Config
	store     *queue.Store
	engine    *engine.Manager
	runner    *planner.Runner
	validator validation.Validator
	pool      *preprocess.Pool
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pollInterval time.Duration

	mu         sync.RWMutex
	running    bool
	paused     bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastErr    error
	lastItem   *queue.Item
	jobCancels map[int64]*jobCancel
	nudge      chan struct{}
}

// jobCancel is the per-job cancellation token. It fans out to the
// preprocessing pool and the watchdog and closes at most once.
type jobCancel struct {
	ch   chan struct{}
	once sync.Once
}

func (j *jobCancel) trip() {
	j.once.Do(func() { close(j.ch) })
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithValidator overrides the default signature prober.
func WithValidator(v validation.Validator) ManagerOption {
	return func(m *Manager) { m.validator = v }
}

// WithTransformer installs the preprocessing collaborator.
func WithTransformer(t preprocess.Transformer) ManagerOption {
	return func(m *Manager) {
		m.pool = preprocess.NewPool(t, m.cfg.Preprocess.Workers, m.logger)
	}
}

// WithMetrics attaches metrics collectors.
func WithMetrics(mx *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *queue.Store, eng *engine.Manager, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:          cfg,
		store:        store,
		engine:       eng,
		validator:    validation.SignatureProber{},
		logger:       logging.NewComponentLogger(logger, "workflow"),
		pollInterval: cfg.PollInterval(),
		jobCancels:   make(map[int64]*jobCancel),
		nudge:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.runner = planner.NewRunner(eng, cfg, logger, m.metrics)
	if m.pool == nil {
		m.pool = preprocess.NewPool(preprocess.Passthrough{}, cfg.Preprocess.Workers, logger)
	}
	return m
}

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runLoop(runCtx)
	return nil
}

// Stop terminates background processing, waits for the in-flight item, and
// shuts the preprocessing pool down. Safe to call redundantly and without a
// prior Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	running := m.running
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if running {
		cancel()
	}
	m.wg.Wait()
	m.pool.Close()
}

// Pause stops popping new items. The in-flight item, if any, runs to its
// terminal status undisturbed.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Info("queue paused")
}

// Resume continues a live loop. With no loop running it restarts background
// processing itself, so pending items drain without a fresh Start.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	restart := !m.running
	var runCtx context.Context
	if restart {
		runCtx, m.cancel = context.WithCancel(context.Background())
		m.running = true
		m.wg.Add(1)
	}
	m.mu.Unlock()
	m.logger.Info("queue resumed")

	if restart {
		go m.runLoop(runCtx)
		return
	}
	m.wake()
}

// Paused reports whether popping is suspended.
func (m *Manager) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Running reports whether the background loop is live.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) wake() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.Paused() {
			m.waitForWork(ctx)
			continue
		}

		item, err := m.store.NextPending(ctx)
		if err != nil {
			m.setLastError(err)
			m.logger.Error("failed to fetch next queue item",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			m.waitForWork(ctx)
			continue
		}
		if item == nil {
			m.waitForWork(ctx)
			continue
		}

		if err := m.processItem(ctx, item); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// A store failure mid-item leaves it pending; wait instead of
			// re-popping it immediately.
			m.waitForWork(ctx)
		}
	}
}

// ProcessAll drains the queue synchronously until it is empty or paused.
func (m *Manager) ProcessAll(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if m.Paused() {
			return nil
		}
		item, err := m.store.NextPending(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		if err := m.processItem(ctx, item); err != nil {
			// The item is still pending; surfacing the error beats
			// re-popping it forever.
			return err
		}
	}
}

func (m *Manager) waitForWork(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.nudge:
	case <-time.After(m.pollInterval):
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastItem(item *queue.Item) {
	m.mu.Lock()
	if item != nil {
		cp := *item
		m.lastItem = &cp
	} else {
		m.lastItem = nil
	}
	m.mu.Unlock()
}

func (m *Manager) registerJob(id int64) *jobCancel {
	jc := &jobCancel{ch: make(chan struct{})}
	m.mu.Lock()
	m.jobCancels[id] = jc
	m.mu.Unlock()
	return jc
}

func (m *Manager) releaseJob(id int64) {
	m.mu.Lock()
	delete(m.jobCancels, id)
	m.mu.Unlock()
}
