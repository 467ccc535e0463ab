package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"encodeq/internal/faults"
	"encodeq/internal/ipc"
	"encodeq/internal/logging"
)

// Spec identifies the process to launch.
type Spec struct {
	SessionID  string
	Slot       int
	SocketPath string
	LogPath    string
}

// Launcher starts worker processes and connects to them.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, Conn, error)
}

// ExecLauncher runs the worker binary as a child process in its own
// process group.
type ExecLauncher struct {
	Binary       string
	Args         []string
	Env          []string
	Engine       string
	EngineBinary string
	ProbeBinary  string
	Dial         ipc.Options
	Logger       *slog.Logger
}

// Launch starts the worker and dials its socket. The context bounds the
// connection attempt, not the process lifetime.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, Conn, error) {
	binary := strings.TrimSpace(l.Binary)
	if binary == "" {
		return nil, nil, faults.Wrap(faults.ErrConfiguration, "worker", "launch", "worker binary not configured", nil)
	}
	if err := os.MkdirAll(filepath.Dir(spec.SocketPath), 0o755); err != nil {
		return nil, nil, faults.Wrap(faults.ErrConfiguration, "worker", "launch", "create socket dir", err)
	}
	_ = os.Remove(spec.SocketPath)

	args := append([]string(nil), l.Args...)
	args = append(args,
		"--socket", spec.SocketPath,
		"--session", spec.SessionID,
		"--slot", strconv.Itoa(spec.Slot),
	)
	if l.Engine != "" {
		args = append(args, "--engine", l.Engine)
	}
	if l.EngineBinary != "" {
		args = append(args, "--engine-binary", l.EngineBinary)
	}
	if l.ProbeBinary != "" {
		args = append(args, "--probe-binary", l.ProbeBinary)
	}

	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), l.Env...)

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("ensure worker log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, nil, faults.Wrap(faults.ErrConfiguration, "worker", "launch", binary, err)
		}
		return nil, nil, faults.Wrap(faults.ErrProcessCrash, "worker", "launch", binary, err)
	}
	proc := newExecProcess(cmd, logFile)

	logger := logging.NewComponentLogger(l.Logger, "worker-launcher")
	logger.Debug("worker process started",
		logging.String(logging.FieldSessionID, spec.SessionID),
		logging.Int(logging.FieldWorkerPID, proc.PID()),
		logging.String("socket", spec.SocketPath))

	// Abandon the dial if the child dies before it starts listening.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-dialCtx.Done():
		}
	}()
	opts := l.Dial
	if opts.Logger == nil {
		opts.Logger = l.Logger
	}
	conn, err := ipc.Dial(dialCtx, spec.SocketPath, opts)
	if err != nil {
		Terminate(proc, time.Second)
		select {
		case <-proc.Done():
			if exitErr := proc.Err(); exitErr != nil {
				err = errors.Join(err, exitErr)
			}
		default:
		}
		return nil, nil, faults.Wrap(faults.ErrProcessCrash, "worker", "launch", "worker never accepted connections", err)
	}
	return proc, conn, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newExecProcess(cmd *exec.Cmd, logFile *os.File) *execProcess {
	p := &execProcess{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

func (p *execProcess) PID() int { return p.pid }

func (p *execProcess) Signal(sig unix.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ExitCode extracts the process exit code from err; -1 when the process was
// killed by a signal or err is not an exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
