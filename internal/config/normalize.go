package config

import (
	"fmt"
	"os"
	"strings"
)

const workerBinaryEnv = "ENCODEQ_WORKER_BINARY"

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorker()
	c.normalizeSupervisor()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name  string
		value *string
		def   string
	}{
		{"paths.state_dir", &c.Paths.StateDir, defaultStateDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
		{"paths.temp_dir", &c.Paths.TempDir, defaultTempDir},
		{"paths.socket_dir", &c.Paths.SocketDir, defaultSocketDir},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.def
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeWorker() {
	c.Worker.Binary = strings.TrimSpace(c.Worker.Binary)
	if value, ok := os.LookupEnv(workerBinaryEnv); ok && strings.TrimSpace(value) != "" {
		if c.Worker.Binary == "" || c.Worker.Binary == defaultWorkerBinary {
			c.Worker.Binary = strings.TrimSpace(value)
		}
	}
	if c.Worker.Binary == "" {
		c.Worker.Binary = defaultWorkerBinary
	}
	c.Worker.Engine = strings.ToLower(strings.TrimSpace(c.Worker.Engine))
	if c.Worker.Engine == "" {
		c.Worker.Engine = defaultEngine
	}
	c.Worker.EngineBinary = strings.TrimSpace(c.Worker.EngineBinary)
	if c.Worker.EngineBinary == "" {
		c.Worker.EngineBinary = defaultEngineBinary
	}
	c.Worker.ProbeBinary = strings.TrimSpace(c.Worker.ProbeBinary)
	if c.Worker.ProbeBinary == "" {
		c.Worker.ProbeBinary = defaultProbeBinary
	}
}

func (c *Config) normalizeSupervisor() {
	c.Supervisor.IdlePolicy = normalizeIdlePolicy(c.Supervisor.IdlePolicy)
	if c.Supervisor.PoolSize == 0 {
		c.Supervisor.PoolSize = defaultPoolSize
	}
	if c.Supervisor.MissedPingsToCrash == 0 {
		c.Supervisor.MissedPingsToCrash = defaultMissedPings
	}
}

// normalizeIdlePolicy accepts the policy names with any case and with or
// without "-" or "_" separators.
func normalizeIdlePolicy(value string) string {
	policy := strings.ToLower(strings.TrimSpace(value))
	switch strings.NewReplacer("-", "", "_", "").Replace(policy) {
	case "":
		return defaultIdlePolicy
	case "keepwarm":
		return IdleKeepWarm
	case "teardown":
		return IdleTeardown
	default:
		return policy
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console", "text", "pretty":
		c.Logging.Format = "console"
	default:
		c.Logging.Format = format
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
