package testsupport

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crucible/assetcache"
	"crucible/config"
	"crucible/engine"
	"crucible/logging"
)

// ExecResult scripts one Exec call on a FakeEngine.
type ExecResult struct {
	// Code is the exit code returned when Err is nil.
	Code int
	// Err is returned verbatim; use crash-signature text to exercise the
	// crash classification path.
	Err error
	// Delay blocks the call before settling, for watchdog tests.
	Delay time.Duration
	// Output, when non-nil, is written to the workspace under the command's
	// output name before the call settles.
	Output []byte
	// Progress events are emitted through the sink before settling.
	Progress []float64
}

// FakeEngine is a scripted Engine. Exec calls consume results in order; a
// call past the end of the script succeeds with empty output.
type FakeEngine struct {
	mu        sync.Mutex
	sink      func(engine.Event)
	workspace map[string][]byte
	script    []ExecResult
	execCalls int
	initErr   error
	initDelay time.Duration

	InitCount      int
	TerminateCount int
	Commands       []engine.Command
}

// NewFakeEngine builds a fake with the given Exec script.
func NewFakeEngine(script ...ExecResult) *FakeEngine {
	return &FakeEngine{
		workspace: make(map[string][]byte),
		script:    script,
	}
}

// FailInit makes Init return err after an optional delay.
func (f *FakeEngine) FailInit(err error, delay time.Duration) {
	f.mu.Lock()
	f.initErr = err
	f.initDelay = delay
	f.mu.Unlock()
}

func (f *FakeEngine) Init(ctx context.Context, _ *assetcache.Bundle, sink func(engine.Event)) error {
	f.mu.Lock()
	f.InitCount++
	f.sink = sink
	delay := f.initDelay
	initErr := f.initErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return initErr
}

func (f *FakeEngine) Exec(ctx context.Context, cmd Command) (int, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	var res ExecResult
	if f.execCalls < len(f.script) {
		res = f.script[f.execCalls]
	}
	f.execCalls++
	sink := f.sink
	f.mu.Unlock()

	if res.Delay > 0 {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(res.Delay):
		}
	}
	if sink != nil {
		for _, frac := range res.Progress {
			sink(engine.Event{Type: engine.EventProgress, Fraction: frac})
		}
	}
	if res.Err != nil {
		return -1, res.Err
	}
	if res.Output != nil {
		f.mu.Lock()
		f.workspace[cmd.OutputName] = res.Output
		f.mu.Unlock()
	}
	return res.Code, nil
}

// Command aliases engine.Command so scripted fakes read naturally in tests.
type Command = engine.Command

func (f *FakeEngine) WriteInput(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspace[name] = data
	return nil
}

func (f *FakeEngine) ReadOutput(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workspace[name], nil
}

func (f *FakeEngine) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workspace, name)
	return nil
}

func (f *FakeEngine) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TerminateCount++
	return nil
}

// ExecCalls reports how many commands the fake has run.
func (f *FakeEngine) ExecCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

// StubBundle returns a minimal complete asset bundle.
func StubBundle(version string) *assetcache.Bundle {
	return &assetcache.Bundle{
		Binary:    []byte("binary"),
		Wasm:      []byte("wasm"),
		Worker:    []byte("worker"),
		Version:   version,
		FetchedAt: time.Now().UTC(),
	}
}

// NewEngineManager wires an engine.Manager around fakes: the provided
// factory (or a fresh FakeEngine per load when nil) and a cache pre-seeded
// with a stub bundle so no download happens.
func NewEngineManager(t testing.TB, cfg *config.Config, factory engine.Factory, logger *slog.Logger) *engine.Manager {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cache := assetcache.Open(cfg.Paths.CacheDir, logger)
	t.Cleanup(func() { cache.Close() })
	if !cache.Put(cfg.Engine.Version, StubBundle(cfg.Engine.Version)) {
		t.Fatalf("seed asset cache")
	}
	if factory == nil {
		factory = func(workDir, binary string) engine.Engine {
			return NewFakeEngine()
		}
	}
	mgr := engine.NewManager(cfg, cache, logger, engine.WithFactory(factory))
	t.Cleanup(mgr.Close)
	return mgr
}
