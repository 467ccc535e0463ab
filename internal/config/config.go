package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir  string `toml:"state_dir"`
	LogDir    string `toml:"log_dir"`
	TempDir   string `toml:"temp_dir"`
	SocketDir string `toml:"socket_dir"`
}

// Worker holds the fixed startup parameters handed to every worker process.
type Worker struct {
	Binary                  string  `toml:"binary"`
	Engine                  string  `toml:"engine"`
	EngineBinary            string  `toml:"engine_binary"`
	ProbeBinary             string  `toml:"probe_binary"`
	Verbosity               int     `toml:"verbosity"`
	PreviewCount            int     `toml:"preview_count"`
	UseDVDNav               bool    `toml:"use_dvdnav"`
	MinTitleDurationSeconds int     `toml:"min_title_duration_seconds"`
	CPUThrottleFraction     float64 `toml:"cpu_throttle_fraction"`
}

// Supervisor controls the worker pool, liveness checks, and recovery budget.
type Supervisor struct {
	PoolSize           int    `toml:"pool_size"`
	PingIntervalMillis int    `toml:"ping_interval_ms"`
	PingTimeoutMillis  int    `toml:"ping_timeout_ms"`
	MissedPingsToCrash int    `toml:"missed_pings_to_crash"`
	StopGraceMillis    int    `toml:"stop_grace_ms"`
	SpawnTimeoutMillis int    `toml:"spawn_timeout_ms"`
	ShutdownGraceMs    int    `toml:"shutdown_grace_ms"`
	IdlePolicy         string `toml:"idle_policy"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
	MaxCrashRetries    int    `toml:"max_crash_retries"`
}

// Encode holds per-job defaults applied when a job does not set its own.
type Encode struct {
	PreviewNumber     int    `toml:"preview_number"`
	PreviewSeconds    int    `toml:"preview_seconds"`
	ChapterNameFormat string `toml:"chapter_name_format"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for encodeq.
//
// Configuration sections by subsystem:
//   - Paths: state, log, temp, and socket directories
//   - Worker: worker binary and SetUp parameters
//   - Supervisor: pool size, heartbeat, stop escalation, idle policy
//   - Encode: job defaults for previews and chapter names
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Worker     Worker     `toml:"worker"`
	Supervisor Supervisor `toml:"supervisor"`
	Encode     Encode     `toml:"encode"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.TempDir, c.Paths.SocketDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ControlSocketPath is where the daemon listens for CLI requests.
func (c *Config) ControlSocketPath() string {
	return filepath.Join(c.Paths.SocketDir, "encodeq.sock")
}

// LockPath is the daemon's single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "encodeq.lock")
}

// QueueDBPath is the SQLite database holding persisted queue entries.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// WorkerSocketPath returns the socket a worker session serves its RPC endpoint on.
func (c *Config) WorkerSocketPath(sessionID string) string {
	short := sessionID
	if len(short) > 12 {
		short = short[:12]
	}
	return filepath.Join(c.Paths.SocketDir, "worker-"+short+".sock")
}

// WorkerLogPath is where a worker session's stderr is captured.
func (c *Config) WorkerLogPath(sessionID string) string {
	return filepath.Join(c.Paths.LogDir, "worker-"+sessionID+".log")
}

func (s Supervisor) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalMillis) * time.Millisecond
}

func (s Supervisor) PingTimeout() time.Duration {
	return time.Duration(s.PingTimeoutMillis) * time.Millisecond
}

func (s Supervisor) StopGrace() time.Duration {
	return time.Duration(s.StopGraceMillis) * time.Millisecond
}

func (s Supervisor) SpawnTimeout() time.Duration {
	return time.Duration(s.SpawnTimeoutMillis) * time.Millisecond
}

func (s Supervisor) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMs) * time.Millisecond
}

// IdleTimeout is how long an idle worker lingers under the teardown policy.
func (s Supervisor) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
