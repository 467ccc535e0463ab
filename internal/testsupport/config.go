package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"encodeq/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Supervisor timings are shortened so scenario tests finish quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.TempDir = filepath.Join(base, "tmp")
	cfgVal.Paths.SocketDir = filepath.Join(base, "run")
	cfgVal.Supervisor.PingIntervalMillis = 20
	cfgVal.Supervisor.PingTimeoutMillis = 20
	cfgVal.Supervisor.StopGraceMillis = 200
	cfgVal.Supervisor.SpawnTimeoutMillis = 1000
	cfgVal.Supervisor.ShutdownGraceMs = 200

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

// WithPoolSize overrides the worker pool size.
func WithPoolSize(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Supervisor.PoolSize = n
	}
}

// WithIdlePolicy overrides the idle policy and timeout.
func WithIdlePolicy(policy string, timeoutSeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Supervisor.IdlePolicy = policy
		b.cfg.Supervisor.IdleTimeoutSeconds = timeoutSeconds
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the worker and engine binaries
// are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"encodeq-worker", "drapto", "ffprobe"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
