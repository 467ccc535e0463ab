package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateSupervisor(); err != nil {
		return err
	}
	if err := c.validateEncode(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateWorker() error {
	switch c.Worker.Engine {
	case EngineLibrary, EngineCLI:
	default:
		return fmt.Errorf("worker.engine must be %q or %q, got %q", EngineLibrary, EngineCLI, c.Worker.Engine)
	}
	if c.Worker.Verbosity < 0 || c.Worker.Verbosity > 3 {
		return errors.New("worker.verbosity must be between 0 and 3")
	}
	if c.Worker.PreviewCount < 1 {
		return errors.New("worker.preview_count must be positive")
	}
	if c.Worker.MinTitleDurationSeconds < 0 {
		return errors.New("worker.min_title_duration_seconds must be non-negative")
	}
	if c.Worker.CPUThrottleFraction <= 0 || c.Worker.CPUThrottleFraction > 1 {
		return errors.New("worker.cpu_throttle_fraction must be in (0, 1]")
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	s := c.Supervisor
	if s.PoolSize < 1 || s.PoolSize > 16 {
		return errors.New("supervisor.pool_size must be between 1 and 16")
	}
	if s.PingIntervalMillis <= 0 {
		return errors.New("supervisor.ping_interval_ms must be positive")
	}
	if s.PingTimeoutMillis <= 0 {
		return errors.New("supervisor.ping_timeout_ms must be positive")
	}
	if s.PingTimeoutMillis > s.PingIntervalMillis {
		return errors.New("supervisor.ping_timeout_ms must not exceed supervisor.ping_interval_ms")
	}
	if s.MissedPingsToCrash < 1 {
		return errors.New("supervisor.missed_pings_to_crash must be at least 1")
	}
	if s.StopGraceMillis <= 0 {
		return errors.New("supervisor.stop_grace_ms must be positive")
	}
	if s.SpawnTimeoutMillis <= 0 {
		return errors.New("supervisor.spawn_timeout_ms must be positive")
	}
	if s.ShutdownGraceMs <= 0 {
		return errors.New("supervisor.shutdown_grace_ms must be positive")
	}
	switch s.IdlePolicy {
	case IdleKeepWarm:
	case IdleTeardown:
		if s.IdleTimeoutSeconds < 0 {
			return errors.New("supervisor.idle_timeout_seconds must be non-negative")
		}
	default:
		return fmt.Errorf("supervisor.idle_policy must be %q or %q, got %q", IdleKeepWarm, IdleTeardown, s.IdlePolicy)
	}
	if s.MaxCrashRetries < 0 {
		return errors.New("supervisor.max_crash_retries must be non-negative")
	}
	return nil
}

func (c *Config) validateEncode() error {
	if c.Encode.PreviewNumber < 0 {
		return errors.New("encode.preview_number must be non-negative")
	}
	if c.Encode.PreviewNumber > c.Worker.PreviewCount {
		return errors.New("encode.preview_number must not exceed worker.preview_count")
	}
	if c.Encode.PreviewSeconds < 0 {
		return errors.New("encode.preview_seconds must be non-negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognised", c.Logging.Level)
	}
	return nil
}
