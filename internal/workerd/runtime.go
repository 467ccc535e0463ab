package workerd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"encodeq/internal/engine"
	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
)

// defaultMinTempFree is the free space SetUp requires in the temp directory.
const defaultMinTempFree uint64 = 512 << 20

// EngineFactory builds the engine once SetUp parameters are known.
type EngineFactory func(setup protocol.SetUpRequest) (engine.Engine, error)

// Options configures a Runtime.
type Options struct {
	Engine   EngineFactory
	Logger   *slog.Logger
	LogLevel *slog.LevelVar
	HubSize  int
	// MinTempFree overrides the free-space floor for the temp directory.
	MinTempFree uint64
	// Renice applies the CPU throttle. Tests replace it.
	Renice func(nice int) error
	// Setenv points TMPDIR at the SetUp temp directory. Tests replace it.
	Setenv func(key, value string) error
}

type activity struct {
	kind   protocol.Command
	jobID  string
	cancel context.CancelFunc
	gate   *engine.Gate
	done   chan struct{}
}

// Runtime executes controller commands inside the worker process.
type Runtime struct {
	machine  *protocol.Machine
	hub      *EventHub
	logger   *slog.Logger
	levelVar *slog.LevelVar
	factory  EngineFactory
	renice   func(int) error
	setenv   func(string, string) error
	minFree  uint64
	started  time.Time

	mu       sync.Mutex
	eng      engine.Engine
	setup    protocol.SetUpRequest
	active   *activity
	shutdown chan struct{}
	once     sync.Once
}

// NewRuntime constructs a runtime in the Unstarted state.
func NewRuntime(opts Options) *Runtime {
	renice := opts.Renice
	if renice == nil {
		renice = func(nice int) error { return unix.Setpriority(unix.PRIO_PROCESS, 0, nice) }
	}
	setenv := opts.Setenv
	if setenv == nil {
		setenv = os.Setenv
	}
	minFree := opts.MinTempFree
	if minFree == 0 {
		minFree = defaultMinTempFree
	}
	return &Runtime{
		minFree:  minFree,
		machine:  protocol.NewMachine(),
		hub:      NewEventHub(opts.HubSize),
		logger:   logging.NewComponentLogger(opts.Logger, "workerd"),
		levelVar: opts.LogLevel,
		factory:  opts.Engine,
		renice:   renice,
		setenv:   setenv,
		started:  time.Now(),
		shutdown: make(chan struct{}),
	}
}

// State returns the worker's protocol state.
func (r *Runtime) State() protocol.State { return r.machine.State() }

// Hub exposes the event stream.
func (r *Runtime) Hub() *EventHub { return r.hub }

// ShutdownRequested is closed once the controller asks the worker to exit.
func (r *Runtime) ShutdownRequested() <-chan struct{} { return r.shutdown }

// SetUp applies the fixed startup parameters. Invalid parameters are a
// configuration error and leave the worker Unstarted.
func (r *Runtime) SetUp(req protocol.SetUpRequest) error {
	if err := r.machine.Check(protocol.CmdSetUp); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := prepareTempDir(req.TempDir, r.minFree); err != nil {
		return err
	}
	if r.factory == nil {
		return faults.Wrap(faults.ErrConfiguration, "workerd", "setup", "no engine configured", nil)
	}
	eng, err := r.factory(req)
	if err != nil {
		return faults.Wrap(faults.ErrConfiguration, "workerd", "setup", "build engine", err)
	}
	if nice := niceForThrottle(req.CPUThrottleFraction); nice > 0 {
		if err := r.renice(nice); err != nil {
			logging.WarnWithContext(r.logger, "failed to lower worker priority", "worker_renice_failed",
				logging.Error(err),
				logging.Int("nice", nice),
				logging.String(logging.FieldImpact, "encodes will compete with the host at normal priority"),
				logging.String(logging.FieldErrorHint, "check RLIMIT_NICE for the encodeq user"))
		}
	}
	if err := r.setenv("TMPDIR", req.TempDir); err != nil {
		r.logger.Warn("failed to set TMPDIR", logging.Error(err))
	}
	if r.levelVar != nil {
		r.levelVar.Set(levelForVerbosity(req.Verbosity))
	}

	r.mu.Lock()
	r.eng = eng
	r.setup = req
	r.mu.Unlock()
	if _, err := r.machine.Issue(protocol.CmdSetUp); err != nil {
		return err
	}
	r.logger.Info("worker set up",
		logging.String("engine", eng.Name()),
		logging.Int("verbosity", req.Verbosity),
		logging.Int("preview_count", req.PreviewCount),
		logging.Float64("cpu_throttle", req.CPUThrottleFraction),
		logging.String("temp_dir", req.TempDir))
	return nil
}

// StartScan begins a scan of req.Path.
func (r *Runtime) StartScan(req protocol.ScanRequest) error {
	if strings.TrimSpace(req.Path) == "" {
		return faults.Wrap(faults.ErrProtocolViolation, "workerd", "scan", "source path required", nil)
	}
	return r.begin(protocol.CmdStartScan, "", func(ctx context.Context, eng engine.Engine, _ *engine.Gate) {
		r.runScan(ctx, eng, req)
	})
}

// StartEncode begins encoding the resolved job.
func (r *Runtime) StartEncode(req protocol.EncodeRequest) error {
	job := req.Resolved()
	if err := r.checkJob(job); err != nil {
		return err
	}
	return r.begin(protocol.CmdStartEncode, job.ID, func(ctx context.Context, eng engine.Engine, gate *engine.Gate) {
		r.runEncode(ctx, eng, gate, job)
	})
}

// StartEncodeFromSerializedJob decodes a persisted job and encodes it.
func (r *Runtime) StartEncodeFromSerializedJob(req protocol.SerializedEncodeRequest) error {
	job, err := protocol.ParseJob(req.Payload)
	if err != nil {
		return err
	}
	if err := r.checkJob(job); err != nil {
		return err
	}
	return r.begin(protocol.CmdStartEncodeFromSerializedJob, job.ID, func(ctx context.Context, eng engine.Engine, gate *engine.Gate) {
		r.runEncode(ctx, eng, gate, job)
	})
}

func (r *Runtime) checkJob(job protocol.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	previews := r.setup.PreviewCount
	r.mu.Unlock()
	if job.PreviewNumber > previews && previews > 0 {
		return faults.Wrap(faults.ErrInvalidJob, "workerd", job.ID,
			fmt.Sprintf("preview %d exceeds preview count %d", job.PreviewNumber, previews), nil)
	}
	return nil
}

// Pause suspends the active encode.
func (r *Runtime) Pause() error {
	return r.toggle(protocol.CmdPause, func(g *engine.Gate) error { return g.Pause() })
}

// Resume continues a paused encode.
func (r *Runtime) Resume() error {
	return r.toggle(protocol.CmdResume, func(g *engine.Gate) error { return g.Resume() })
}

// Stop cancels the active scan or encode. The worker confirms with an
// encode_stopped event once the engine has unwound.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.machine.Check(protocol.CmdStop); err != nil {
		return err
	}
	if r.active == nil {
		return faults.Wrap(faults.ErrInvalidState, "workerd", "stop", "no active work", nil)
	}
	if r.active.gate.Paused() {
		// A stopped process group cannot observe cancellation.
		_ = r.active.gate.Resume()
	}
	if _, err := r.machine.Issue(protocol.CmdStop); err != nil {
		return err
	}
	r.active.cancel()
	return nil
}

// Ping reports liveness.
func (r *Runtime) Ping() (protocol.PingReply, error) {
	if err := r.machine.Check(protocol.CmdPing); err != nil {
		return protocol.PingReply{}, err
	}
	return protocol.PingReply{
		PID:          os.Getpid(),
		UptimeMillis: time.Since(r.started).Milliseconds(),
		State:        r.machine.State(),
	}, nil
}

// Shutdown moves to ShutDown and signals the process to exit.
func (r *Runtime) Shutdown() error {
	if _, err := r.machine.Issue(protocol.CmdShutdown); err != nil {
		return err
	}
	r.logger.Info("shutdown requested")
	r.once.Do(func() { close(r.shutdown) })
	return nil
}

// Wait blocks until the active activity, if any, has finished.
func (r *Runtime) Wait() {
	r.mu.Lock()
	act := r.active
	r.mu.Unlock()
	if act != nil {
		<-act.done
	}
}

// abort cancels any in-flight work and waits for it to unwind.
func (r *Runtime) abort() {
	r.mu.Lock()
	act := r.active
	r.mu.Unlock()
	if act == nil {
		return
	}
	if act.gate.Paused() {
		_ = act.gate.Resume()
	}
	act.cancel()
	<-act.done
}

func (r *Runtime) toggle(cmd protocol.Command, apply func(*engine.Gate) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.machine.Check(cmd); err != nil {
		return err
	}
	if r.active == nil {
		return faults.Wrap(faults.ErrInvalidState, "workerd", string(cmd), "no active encode", nil)
	}
	if err := apply(r.active.gate); err != nil {
		return faults.Wrap(faults.ErrWorkerReported, "workerd", string(cmd), "", err)
	}
	_, err := r.machine.Issue(cmd)
	return err
}

func (r *Runtime) begin(cmd protocol.Command, jobID string, run func(context.Context, engine.Engine, *engine.Gate)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.machine.Check(cmd); err != nil {
		return err
	}
	if r.eng == nil {
		return faults.Wrap(faults.ErrConfiguration, "workerd", string(cmd), "engine not initialised", nil)
	}
	if _, err := r.machine.Issue(cmd); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	act := &activity{kind: cmd, jobID: jobID, cancel: cancel, gate: engine.NewGate(), done: make(chan struct{})}
	r.active = act
	eng := r.eng
	go func() {
		defer close(act.done)
		defer cancel()
		defer r.finish(act)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("engine panic", logging.Any("panic", rec), logging.String("stack", string(debug.Stack())))
				r.emit(protocol.Event{Type: protocol.EventEncodeError, JobID: act.jobID,
					Error: &protocol.ErrorInfo{Reason: fmt.Sprintf("engine panic: %v", rec), Fatal: true}})
			}
		}()
		run(ctx, eng, act.gate)
	}()
	return nil
}

func (r *Runtime) finish(act *activity) {
	r.mu.Lock()
	if r.active == act {
		r.active = nil
	}
	r.mu.Unlock()
}

func (r *Runtime) runScan(ctx context.Context, eng engine.Engine, req protocol.ScanRequest) {
	rep := r.reporter(protocol.EventScanProgress, "")
	res, err := eng.Scan(ctx, req, rep)
	switch {
	case ctx.Err() != nil:
		r.emit(protocol.Event{Type: protocol.EventEncodeStopped})
	case err != nil:
		res.Path = req.Path
		res.Error = err.Error()
		r.emit(protocol.Event{Type: protocol.EventScanComplete, Scan: &res})
	default:
		r.emit(protocol.Event{Type: protocol.EventScanComplete, Scan: &res})
	}
}

func (r *Runtime) runEncode(ctx context.Context, eng engine.Engine, gate *engine.Gate, job protocol.Job) {
	logger := logging.WithContext(logging.WithJobID(ctx, job.ID), r.logger)
	logger.Info("encode started", logging.String("source", job.SourcePath), logging.String("destination", job.DestinationPath))
	rep := r.reporter(protocol.EventEncodeProgress, job.ID)
	res, err := eng.Encode(ctx, job, rep, gate)
	switch {
	case ctx.Err() != nil:
		logger.Info("encode stopped")
		r.emit(protocol.Event{Type: protocol.EventEncodeStopped, JobID: job.ID})
	case err != nil:
		fatal := faults.KindOf(err) != faults.KindWorkerReported
		logger.Warn("encode failed", logging.Error(err), logging.Bool("fatal", fatal))
		r.emit(protocol.Event{Type: protocol.EventEncodeError, JobID: job.ID, Error: &protocol.ErrorInfo{Reason: err.Error(), Fatal: fatal}})
	default:
		logger.Info("encode complete", logging.String("output", res.OutputPath))
		r.emit(protocol.Event{Type: protocol.EventEncodeComplete, JobID: job.ID, Result: &res})
	}
}

// emit applies the event's transition before publishing it, so a
// controller reacting to the event never sees the previous state.
func (r *Runtime) emit(evt protocol.Event) {
	r.machine.Observe(evt)
	r.hub.Publish(evt)
}

func (r *Runtime) reporter(progressType protocol.EventType, jobID string) engine.Reporter {
	return engine.ReporterFunc{
		OnProgress: func(p protocol.Progress) {
			r.hub.Publish(protocol.Event{Type: progressType, JobID: jobID, Progress: &p})
		},
		OnLog: func(level, text string) {
			r.hub.Publish(protocol.Event{Type: protocol.EventLogMessage, JobID: jobID, Log: &protocol.LogLine{Level: level, Text: text}})
			r.logger.Log(context.Background(), logging.ParseLevel(level), text, logging.String(logging.FieldJobID, jobID))
		},
	}
}

func prepareTempDir(dir string, minFree uint64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.Wrap(faults.ErrConfiguration, "workerd", "setup", "create temp dir", err)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return faults.Wrap(faults.ErrConfiguration, "workerd", "setup", "temp dir not writable", err)
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return faults.Wrap(faults.ErrConfiguration, "workerd", "setup", "stat temp dir", err)
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFree {
		return faults.Wrap(faults.ErrConfiguration, "workerd", "setup",
			fmt.Sprintf("temp dir %s has %d MiB free, need %d MiB", dir, free>>20, minFree>>20), nil)
	}
	return nil
}

// niceForThrottle maps a CPU share in (0, 1] to a nice value in [0, 19].
func niceForThrottle(fraction float64) int {
	if fraction >= 1 || fraction <= 0 {
		return 0
	}
	return int(math.Round((1 - fraction) * 19))
}

func levelForVerbosity(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelWarn
	case v == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
