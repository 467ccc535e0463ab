package config

const (
	defaultConfigPath          = "~/.config/encodeq/config.toml"
	defaultStateDir            = "~/.local/share/encodeq"
	defaultLogDir              = "~/.local/share/encodeq/logs"
	defaultTempDir             = "~/.cache/encodeq/tmp"
	defaultSocketDir           = "~/.local/share/encodeq/run"
	defaultWorkerBinary        = "encodeq-worker"
	defaultEngine              = EngineLibrary
	defaultEngineBinary        = "drapto"
	defaultProbeBinary         = "ffprobe"
	defaultVerbosity           = 1
	defaultPreviewCount        = 10
	defaultMinTitleSeconds     = 10
	defaultCPUThrottleFraction = 1.0
	defaultPoolSize            = 1
	defaultPingIntervalMillis  = 5000
	defaultPingTimeoutMillis   = 3000
	defaultMissedPings         = 2
	defaultStopGraceMillis     = 15000
	defaultSpawnTimeoutMillis  = 10000
	defaultShutdownGraceMillis = 5000
	defaultIdlePolicy          = IdleKeepWarm
	defaultIdleTimeoutSeconds  = 300
	defaultMaxCrashRetries     = 1
	defaultPreviewNumber       = 0
	defaultPreviewSeconds      = 0
	defaultChapterNameFormat   = "Chapter {0}"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Engine identifiers accepted by worker.engine.
const (
	EngineLibrary = "library"
	EngineCLI     = "cli"
)

// Idle policies accepted by supervisor.idle_policy.
const (
	IdleKeepWarm = "keep_warm"
	IdleTeardown = "teardown"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:  defaultStateDir,
			LogDir:    defaultLogDir,
			TempDir:   defaultTempDir,
			SocketDir: defaultSocketDir,
		},
		Worker: Worker{
			Binary:                  defaultWorkerBinary,
			Engine:                  defaultEngine,
			EngineBinary:            defaultEngineBinary,
			ProbeBinary:             defaultProbeBinary,
			Verbosity:               defaultVerbosity,
			PreviewCount:            defaultPreviewCount,
			MinTitleDurationSeconds: defaultMinTitleSeconds,
			CPUThrottleFraction:     defaultCPUThrottleFraction,
		},
		Supervisor: Supervisor{
			PoolSize:           defaultPoolSize,
			PingIntervalMillis: defaultPingIntervalMillis,
			PingTimeoutMillis:  defaultPingTimeoutMillis,
			MissedPingsToCrash: defaultMissedPings,
			StopGraceMillis:    defaultStopGraceMillis,
			SpawnTimeoutMillis: defaultSpawnTimeoutMillis,
			ShutdownGraceMs:    defaultShutdownGraceMillis,
			IdlePolicy:         defaultIdlePolicy,
			IdleTimeoutSeconds: defaultIdleTimeoutSeconds,
			MaxCrashRetries:    defaultMaxCrashRetries,
		},
		Encode: Encode{
			PreviewNumber:     defaultPreviewNumber,
			PreviewSeconds:    defaultPreviewSeconds,
			ChapterNameFormat: defaultChapterNameFormat,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
