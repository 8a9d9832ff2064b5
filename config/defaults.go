package config

const (
	defaultStagingDir = "~/.local/share/crucible/staging"
	defaultCacheDir   = "~/.local/share/crucible/cache"
	defaultWorkDir    = "~/.local/share/crucible/work"
	defaultLogDir     = "~/.local/share/crucible/logs"

	defaultEngineVersion   = "0.12.10"
	defaultBundleURL       = "https://unpkg.com/@ffmpeg/core@0.12.10/dist/umd"
	defaultEngineBinary    = "ffmpeg-core"
	defaultDownloadTimeout = 120
	defaultInitTimeout     = 30
	defaultExecTimeout     = 300

	defaultConstrainedMemoryMB = 512
	defaultMinDimension        = 320

	defaultQueueMaxItems     = 100
	defaultQueuePollInterval = 1

	defaultPreprocessWorkers = 1
	defaultPreprocessQuality = 85

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default ladder rungs, longest side in pixels, descending. The constrained
// set keeps the engine inside a small memory ceiling on weak devices.
func defaultRungs() []int            { return []int{2560, 1920, 1280, 640} }
func defaultConstrainedRungs() []int { return []int{1280, 640} }

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			CacheDir:   defaultCacheDir,
			WorkDir:    defaultWorkDir,
			LogDir:     defaultLogDir,
		},
		Engine: Engine{
			Version:         defaultEngineVersion,
			BundleURL:       defaultBundleURL,
			Binary:          defaultEngineBinary,
			DownloadTimeout: defaultDownloadTimeout,
			InitTimeout:     defaultInitTimeout,
			ExecTimeout:     defaultExecTimeout,
		},
		Ladder: Ladder{
			Rungs:               defaultRungs(),
			ConstrainedRungs:    defaultConstrainedRungs(),
			ConstrainedMemoryMB: defaultConstrainedMemoryMB,
			MinDimension:        defaultMinDimension,
		},
		Queue: Queue{
			MaxItems:     defaultQueueMaxItems,
			PollInterval: defaultQueuePollInterval,
		},
		Preprocess: Preprocess{
			Workers: defaultPreprocessWorkers,
			Quality: defaultPreprocessQuality,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
