package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"encodeq/internal/faults"
	"encodeq/internal/ipc"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
)

// Conn is the transport bound to one worker process. *ipc.Client
// satisfies it.
type Conn interface {
	Call(ctx context.Context, cmd protocol.Command, args any) error
	Send(cmd protocol.Command, args any) error
	Subscribe(handler func(protocol.Event))
	OnFault(fn ipc.FaultFunc)
	Pump(ctx context.Context) error
	Ping(ctx context.Context, timeout time.Duration) (protocol.PingReply, error)
	Suspect() bool
	Close() error
}

// Process is a running worker process.
type Process interface {
	PID() int
	// Signal delivers sig to the worker's process group.
	Signal(sig unix.Signal) error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit status once Done is closed; nil means exit code 0.
	Err() error
}

// Hooks receive session traffic after the handle has applied it.
type Hooks struct {
	// Event runs on the pump goroutine for every accepted event.
	Event func(h *Handle, evt protocol.Event)
	// Fault runs when an asynchronous command could not be delivered or
	// was rejected by the worker.
	Fault func(h *Handle, cmd protocol.Command, err error)
}

// Handle owns one worker process and its connection.
type Handle struct {
	session *Session
	proc    Process
	conn    Conn
	logger  *slog.Logger
	hooks   Hooks
}

// NewHandle binds proc and conn to session and subscribes to the event
// stream. Events are not delivered until Pump runs.
func NewHandle(session *Session, proc Process, conn Conn, logger *slog.Logger, hooks Hooks) *Handle {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Handle{
		session: session,
		proc:    proc,
		conn:    conn,
		hooks:   hooks,
		logger: logger.With(
			logging.String(logging.FieldSessionID, session.ID),
			logging.Int(logging.FieldWorkerSlot, session.Slot),
			logging.Int(logging.FieldWorkerPID, proc.PID()),
		),
	}
	session.setPID(proc.PID())
	conn.Subscribe(h.handleEvent)
	conn.OnFault(h.handleFault)
	return h
}

// Session returns the handle's session.
func (h *Handle) Session() *Session { return h.session }

// Logger returns the handle's session-scoped logger.
func (h *Handle) Logger() *slog.Logger { return h.logger }

// SetUp applies the startup parameters. It runs once per process and waits
// for the worker's verdict.
func (h *Handle) SetUp(ctx context.Context, req protocol.SetUpRequest) error {
	m := h.session.machine
	if err := m.Check(protocol.CmdSetUp); err != nil {
		return err
	}
	if err := h.conn.Call(ctx, protocol.CmdSetUp, req); err != nil {
		return err
	}
	_, err := m.Issue(protocol.CmdSetUp)
	return err
}

// StartScan asks the worker to scan path.
func (h *Handle) StartScan(path string) error {
	return h.issue(protocol.CmdStartScan, protocol.ScanRequest{Path: path}, nil)
}

// StartEncode dispatches job with its preview and chapter-naming parameters.
func (h *Handle) StartEncode(job protocol.Job, previewNumber, previewSeconds int, chapterNameFormat string) error {
	req := protocol.EncodeRequest{
		Job:               job,
		PreviewNumber:     previewNumber,
		PreviewSeconds:    previewSeconds,
		ChapterNameFormat: chapterNameFormat,
	}
	return h.issue(protocol.CmdStartEncode, req, &job)
}

// StartEncodeFromSerializedJob dispatches a persisted job payload.
func (h *Handle) StartEncodeFromSerializedJob(job protocol.Job, payload []byte) error {
	return h.issue(protocol.CmdStartEncodeFromSerializedJob, protocol.SerializedEncodeRequest{Payload: payload}, &job)
}

// Pause suspends the running encode.
func (h *Handle) Pause() error { return h.issue(protocol.CmdPause, protocol.Empty{}, nil) }

// Resume continues a paused encode.
func (h *Handle) Resume() error { return h.issue(protocol.CmdResume, protocol.Empty{}, nil) }

// Stop asks the worker to abandon the running scan or encode. The caller
// owns the grace timer.
func (h *Handle) Stop() error {
	if err := h.issue(protocol.CmdStop, protocol.Empty{}, nil); err != nil {
		return err
	}
	h.session.markStopping()
	return nil
}

// Ping checks liveness within timeout. Pinging a Crashed or ShutDown
// session is an InvalidState error.
func (h *Handle) Ping(ctx context.Context, timeout time.Duration) error {
	if err := h.session.machine.Check(protocol.CmdPing); err != nil {
		return err
	}
	reply, err := h.conn.Ping(ctx, timeout)
	if err != nil {
		return err
	}
	h.session.Beat(time.Now())
	if reply.State != "" && reply.State != h.session.State() {
		h.logger.Debug("worker state differs from session",
			logging.String("worker_state", string(reply.State)),
			logging.String(logging.FieldState, string(h.session.State())))
	}
	return nil
}

// Shutdown asks an Idle or Crashed worker to exit cleanly.
func (h *Handle) Shutdown(ctx context.Context) error {
	m := h.session.machine
	if err := m.Check(protocol.CmdShutdown); err != nil {
		return err
	}
	if m.State() != protocol.StateCrashed {
		if err := h.conn.Call(ctx, protocol.CmdShutdown, protocol.Empty{}); err != nil {
			return err
		}
	}
	_, err := m.Issue(protocol.CmdShutdown)
	return err
}

// Crash forces the session to Crashed. It reports false if the session was
// already Crashed or ShutDown.
func (h *Handle) Crash(reason string) bool {
	return h.session.machine.ForceCrash(reason)
}

// Pump delivers events until ctx ends or the connection drops.
func (h *Handle) Pump(ctx context.Context) error { return h.conn.Pump(ctx) }

// Suspect reports whether the event stream lost or dropped events.
func (h *Handle) Suspect() bool { return h.conn.Suspect() }

// Exited is closed when the worker process has exited.
func (h *Handle) Exited() <-chan struct{} { return h.proc.Done() }

// ExitErr returns the process exit status once Exited is closed.
func (h *Handle) ExitErr() error { return h.proc.Err() }

// Terminate signals the worker's process group with SIGTERM and escalates
// to SIGKILL after grace. It reports whether SIGKILL was needed.
func (h *Handle) Terminate(grace time.Duration) bool {
	forced := Terminate(h.proc, grace)
	if forced {
		h.logger.Warn("worker killed after grace period",
			logging.Duration("grace", grace),
			logging.String(logging.FieldEventType, "worker_killed"))
	}
	return forced
}

// Close releases the connection. It does not touch the process.
func (h *Handle) Close() error { return h.conn.Close() }

func (h *Handle) issue(cmd protocol.Command, args any, job *protocol.Job) error {
	if _, err := h.session.machine.Issue(cmd); err != nil {
		return err
	}
	if job != nil || cmd == protocol.CmdStartScan {
		h.session.begin(job)
	}
	if err := h.conn.Send(cmd, args); err != nil {
		return err
	}
	h.logger.Debug("command sent", logging.String("command", string(cmd)))
	return nil
}

func (h *Handle) handleEvent(evt protocol.Event) {
	switch evt.Type {
	case protocol.EventEncodeProgress, protocol.EventScanProgress:
		if evt.Progress != nil && !h.session.ObserveProgress(*evt.Progress) {
			h.logger.Debug("dropping regressed progress",
				logging.Int("pass", evt.Progress.Pass),
				logging.Float64("percent", evt.Progress.Percent))
			return
		}
	case protocol.EventLogMessage:
		h.session.record(evt)
		if evt.Log != nil {
			logging.LogWorkerMessage(context.Background(), h.logger, evt.Log.Level, evt.Log.Text,
				logging.String(logging.FieldJobID, evt.JobID))
		}
	default:
		h.session.record(evt)
	}
	if evt.Terminal() {
		h.session.machine.Observe(evt)
		if evt.Type != protocol.EventScanComplete {
			h.session.detach()
		}
	}
	if h.hooks.Event != nil {
		h.hooks.Event(h, evt)
	}
}

func (h *Handle) handleFault(cmd protocol.Command, err error) {
	if reported, ok := protocol.WorkerState(err); ok {
		if _, moved := h.session.machine.Reject(cmd, reported); moved {
			if reported == protocol.StateIdle && startsWork(cmd) {
				h.session.detach()
			}
			h.logger.Debug("session resynced after rejection",
				logging.String("command", string(cmd)),
				logging.String(logging.FieldState, string(reported)))
		}
	}
	logging.WarnWithContext(h.logger, "worker command failed", "worker_command_failed",
		logging.String("command", string(cmd)),
		logging.String(logging.FieldErrorKind, string(faults.KindOf(err))),
		logging.Error(err),
		logging.String(logging.FieldImpact, "session state may diverge from the worker"),
		logging.String(logging.FieldErrorHint, "the supervisor will recover the session"))
	if h.hooks.Fault != nil {
		h.hooks.Fault(h, cmd, err)
	}
}

func startsWork(cmd protocol.Command) bool {
	switch cmd {
	case protocol.CmdStartScan, protocol.CmdStartEncode, protocol.CmdStartEncodeFromSerializedJob:
		return true
	}
	return false
}

// Terminate stops proc with SIGTERM, escalating to SIGKILL after grace.
// It waits for the process to be reaped and reports whether SIGKILL was
// sent.
func Terminate(proc Process, grace time.Duration) bool {
	select {
	case <-proc.Done():
		return false
	default:
	}
	if err := proc.Signal(unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		grace = 0
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return false
	case <-timer.C:
	}
	_ = proc.Signal(unix.SIGKILL)
	<-proc.Done()
	return true
}
