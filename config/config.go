package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains directory configuration.
type Paths struct {
	// StagingDir holds per-job source and output artifacts.
	StagingDir string `toml:"staging_dir"`
	// CacheDir holds the versioned engine asset-bundle cache.
	CacheDir string `toml:"cache_dir"`
	// WorkDir is the engine's exclusive scratch workspace.
	WorkDir string `toml:"work_dir"`
	// LogDir holds the queue database and log output.
	LogDir string `toml:"log_dir"`
}

// Engine contains configuration for the wrapped transcoding engine.
type Engine struct {
	// Version selects the asset bundle; a new version is a new cache key.
	Version string `toml:"version"`
	// BundleURL is the base URL the binary, wasm, and worker blobs are
	// fetched from on a cache miss.
	BundleURL string `toml:"bundle_url"`
	// Binary overrides the engine executable name inside the bundle.
	Binary string `toml:"binary"`
	// DownloadTimeout bounds the asset-bundle download, in seconds.
	DownloadTimeout int `toml:"download_timeout"`
	// InitTimeout bounds engine initialization, in seconds.
	InitTimeout int `toml:"init_timeout"`
	// ExecTimeout bounds every single engine command, in seconds.
	ExecTimeout int `toml:"exec_timeout"`
}

// Ladder contains the fallback-ladder tuning. The rung values were tuned
// empirically against the engine's memory ceiling and are deliberately
// configurable rather than fixed.
type Ladder struct {
	// Rungs are the descending resolution ceilings tried in order.
	Rungs []int `toml:"rungs"`
	// ConstrainedRungs replace Rungs when the device memory hint is at or
	// below ConstrainedMemoryMB.
	ConstrainedRungs []int `toml:"constrained_rungs"`
	// ConstrainedMemoryMB is the device-memory threshold for the reduced set.
	ConstrainedMemoryMB int `toml:"constrained_memory_mb"`
	// MinDimension is the resolution ceiling of the last-resort terminal rung.
	MinDimension int `toml:"min_dimension"`
}

// Queue contains batch-queue limits and loop timing.
type Queue struct {
	// MaxItems caps the queue size; Enqueue rejects beyond it.
	MaxItems int `toml:"max_items"`
	// PollInterval is the idle wait between pending-item checks, in seconds.
	PollInterval int `toml:"poll_interval"`
}

// Preprocess contains worker-pool settings for the preprocessing collaborator.
type Preprocess struct {
	// Workers is the number of preprocessing worker goroutines.
	Workers int `toml:"workers"`
	// Quality is passed through to transcode requests (1-100).
	Quality int `toml:"quality"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics contains configuration for Prometheus collectors.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Config encapsulates all configuration values for crucible.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Engine     Engine     `toml:"engine"`
	Ladder     Ladder     `toml:"ladder"`
	Queue      Queue      `toml:"queue"`
	Preprocess Preprocess `toml:"preprocess"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
}

// Load parses and validates a configuration file. A missing path yields the
// defaults. The returned config has all path fields expanded.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer file.Close()
			decoder := toml.NewDecoder(file)
			if err := decoder.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnsureDirectories creates every configured directory that does not exist.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.CacheDir, c.Paths.WorkDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// QueueDatabasePath returns the location of the queue's SQLite database.
func (c *Config) QueueDatabasePath() string {
	return filepath.Join(c.Paths.LogDir, "queue.db")
}

// DownloadTimeout returns the asset-download deadline as a duration.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Engine.DownloadTimeout) * time.Second
}

// InitTimeout returns the engine-initialization deadline as a duration.
func (c *Config) InitTimeout() time.Duration {
	return time.Duration(c.Engine.InitTimeout) * time.Second
}

// ExecTimeout returns the per-command deadline as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Engine.ExecTimeout) * time.Second
}

// PollInterval returns the queue idle wait as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollInterval) * time.Second
}

func (c *Config) normalize() error {
	for _, field := range []*string{
		&c.Paths.StagingDir,
		&c.Paths.CacheDir,
		&c.Paths.WorkDir,
		&c.Paths.LogDir,
	} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	c.Engine.Version = strings.TrimSpace(c.Engine.Version)
	c.Engine.Binary = strings.TrimSpace(c.Engine.Binary)
	if c.Engine.Binary == "" {
		c.Engine.Binary = defaultEngineBinary
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Clean(trimmed), nil
}
