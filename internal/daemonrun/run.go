package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"encodeq/internal/config"
	"encodeq/internal/daemon"
	"encodeq/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// PIDFileName is written under the state directory while the daemon runs.
const PIDFileName = "encodeq.pid"

// Run starts the encodeq daemon and blocks until SIGINT, SIGTERM, or cmdCtx
// ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("encodeq-%s.log", runID))

	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logBinarySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update encodeq.log link: %v\n", err)
	}

	d, err := daemon.New(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, PIDFileName)
	// Written once Run holds the lock so a refused second instance cannot
	// clobber the live daemon's pid file.
	go func() {
		select {
		case <-d.Ready():
			if err := writePIDFile(pidPath); err != nil {
				logger.Warn("write pid file failed", logging.Error(err))
			}
		case <-signalCtx.Done():
		}
	}()

	err = d.Run(signalCtx)
	if !errors.Is(err, daemon.ErrAlreadyRunning) {
		_ = os.Remove(pidPath)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("encodeq daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "encodeq.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ReadPIDFile returns the pid recorded under the state directory, or 0.
func ReadPIDFile(cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(cfg.Paths.StateDir, PIDFileName))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func logBinarySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("worker binary snapshot",
		logging.String(logging.FieldEventType, "binary_snapshot"),
		logging.String("worker_binary", cfg.Worker.Binary),
		logging.Bool("worker_available", binaryAvailable(cfg.Worker.Binary)),
		logging.String("engine", cfg.Worker.Engine),
		logging.String("engine_binary", cfg.Worker.EngineBinary),
		logging.Bool("engine_available", binaryAvailable(cfg.Worker.EngineBinary)),
		logging.String("probe_binary", cfg.Worker.ProbeBinary),
		logging.Bool("probe_available", binaryAvailable(cfg.Worker.ProbeBinary)),
		logging.Int("pool_size", cfg.Supervisor.PoolSize),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
