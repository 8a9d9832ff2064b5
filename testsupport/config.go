package testsupport

import (
	"path/filepath"
	"testing"

	"crucible/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Queue.PollInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithQueueCap overrides the queue item cap on the test config.
func WithQueueCap(max int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxItems = max
	}
}

// WithRungs overrides the ladder rungs on the test config.
func WithRungs(rungs ...int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ladder.Rungs = rungs
	}
}

// WithExecTimeout overrides the engine command timeout, in seconds.
func WithExecTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engine.ExecTimeout = seconds
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
