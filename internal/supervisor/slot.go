package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"encodeq/internal/config"
	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/recovery"
	"encodeq/internal/worker"
)

// slot is one position in the worker pool. Only the loop goroutine touches
// it.
type slot struct {
	index      int
	generation int
	handle     *worker.Handle
	cancel     context.CancelFunc

	spawning      bool
	spawnFailures int
	retrying      *time.Timer
	failed        error

	retiring  bool
	idleTimer *time.Timer
	stopTimer *time.Timer
	syncTimer *time.Timer

	jobID string
	scan  *scanRequest

	restarts  int
	lastError string
}

// busy reports whether the slot has work assigned.
func (sl *slot) busy() bool { return sl.jobID != "" || sl.scan != nil }

// ready reports whether the slot can take new work right now.
func (sl *slot) ready() bool {
	return sl.handle != nil && !sl.retiring && !sl.busy() &&
		sl.handle.Session().State() == protocol.StateIdle
}

func (sl *slot) cancelSession() {
	if sl.cancel != nil {
		sl.cancel()
		sl.cancel = nil
	}
}

func (sl *slot) stopTimers() {
	for _, t := range []*time.Timer{sl.idleTimer, sl.stopTimer, sl.syncTimer, sl.retrying} {
		if t != nil {
			t.Stop()
		}
	}
	sl.idleTimer, sl.stopTimer, sl.syncTimer, sl.retrying = nil, nil, nil, nil
}

func (s *Supervisor) setupRequest(sessionID string) protocol.SetUpRequest {
	w := s.cfg.Worker
	return protocol.SetUpRequest{
		SessionID:               sessionID,
		Verbosity:               w.Verbosity,
		PreviewCount:            w.PreviewCount,
		UseDVDNav:               w.UseDVDNav,
		MinTitleDurationSeconds: w.MinTitleDurationSeconds,
		CPUThrottleFraction:     w.CPUThrottleFraction,
		TempDir:                 s.cfg.Paths.TempDir,
	}
}

// spawn launches a worker for sl on a helper goroutine. The outcome is
// posted back to the loop.
func (s *Supervisor) spawn(sl *slot) {
	if sl.spawning || sl.handle != nil || sl.failed != nil {
		return
	}
	sl.spawning = true
	sl.generation++
	gen := sl.generation
	sessionID := uuid.NewString()
	spec := worker.Spec{
		SessionID:  sessionID,
		Slot:       sl.index,
		SocketPath: s.cfg.WorkerSocketPath(sessionID),
		LogPath:    s.cfg.WorkerLogPath(sessionID),
	}
	setup := s.setupRequest(sessionID)
	hooks := worker.Hooks{
		Event: func(h *worker.Handle, evt protocol.Event) {
			s.post(func() { s.handleEvent(sl, gen, evt) })
		},
		Fault: func(h *worker.Handle, cmd protocol.Command, err error) {
			s.post(func() { s.handleFault(sl, gen, cmd, err) })
		},
	}
	runCtx := s.runCtx
	timeout := s.cfg.Supervisor.SpawnTimeout()
	grace := s.cfg.Supervisor.ShutdownGrace()

	s.helper(func() {
		ctx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()
		var h *worker.Handle
		proc, conn, err := s.launcher.Launch(ctx, spec)
		if err == nil {
			session := worker.NewSession(sessionID, sl.index)
			h = worker.NewHandle(session, proc, conn, s.logger, hooks)
			if err = h.SetUp(ctx, setup); err != nil {
				h.Terminate(grace)
				_ = h.Close()
				h = nil
			}
		}
		if !s.post(func() { s.spawned(sl, gen, h, err) }) && h != nil {
			h.Terminate(grace)
			_ = h.Close()
		}
	})
}

func (s *Supervisor) spawned(sl *slot, gen int, h *worker.Handle, err error) {
	if gen != sl.generation {
		if h != nil {
			s.helper(func() { retire(h, s.cfg.Supervisor.ShutdownGrace()) })
		}
		return
	}
	sl.spawning = false
	if err != nil {
		sl.lastError = err.Error()
		sl.spawnFailures++
		if errors.Is(err, faults.ErrConfiguration) {
			sl.failed = err
			logging.ErrorWithContext(s.logger, "worker setup rejected", "worker_config_error",
				logging.Int(logging.FieldWorkerSlot, sl.index),
				logging.Error(err),
				logging.String(logging.FieldImpact, "slot disabled until the daemon restarts"),
				logging.String(logging.FieldErrorHint, "fix the [worker] and [paths] config sections"))
			s.failScansIfStranded(err)
			return
		}
		delay := s.backoff.Delay(sl.spawnFailures)
		logging.WarnWithContext(s.logger, "worker spawn failed", "worker_spawn_failed",
			logging.Int(logging.FieldWorkerSlot, sl.index),
			logging.Int("attempt", sl.spawnFailures),
			logging.Duration("retry_in", delay),
			logging.Error(err),
			logging.String(logging.FieldImpact, "queued jobs wait for a worker"),
			logging.String(logging.FieldErrorHint, "check the worker log in the log directory"))
		sl.retrying = time.AfterFunc(delay, func() {
			s.post(func() {
				sl.retrying = nil
				if sl.handle == nil && s.wantsWorker(sl) {
					s.spawn(sl)
				}
			})
		})
		return
	}

	sl.spawnFailures = 0
	sl.lastError = ""
	sl.handle = h
	ctx, cancel := context.WithCancel(s.runCtx)
	sl.cancel = cancel
	s.watch(ctx, sl, gen, h)
	h.Logger().Info("worker ready",
		logging.String(logging.FieldEventType, "worker_ready"),
		logging.Int("restarts", sl.restarts))
	s.kick()
}

// watch runs the session's pump, heartbeat, and exit watcher. The first of
// them to fail ends the session; the verdict is posted to the loop once.
func (s *Supervisor) watch(ctx context.Context, sl *slot, gen int, h *worker.Handle) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Pump(gctx)
	})
	g.Go(func() error {
		return recovery.Monitor{
			Interval: s.cfg.Supervisor.PingInterval(),
			Timeout:  s.cfg.Supervisor.PingTimeout(),
			Misses:   s.policy.MissesToConfirm,
			Ping:     h.Ping,
			Logger:   h.Logger(),
		}.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-h.Exited():
			code := worker.ExitCode(h.ExitErr())
			return faults.Wrap(faults.ErrProcessCrash, "worker", "exit", fmt.Sprintf("worker exited with code %d", code), h.ExitErr())
		}
	})
	s.helper(func() {
		err := g.Wait()
		s.post(func() { s.sessionEnded(sl, gen, err) })
	})
}

// sessionEnded handles the end of a session's watchers.
func (s *Supervisor) sessionEnded(sl *slot, gen int, err error) {
	if gen != sl.generation || sl.handle == nil {
		return
	}
	if sl.retiring {
		h := sl.handle
		sl.retiring = false
		sl.handle = nil
		sl.cancelSession()
		_ = h.Close()
		h.Logger().Info("worker retired", logging.String(logging.FieldEventType, "worker_retired"))
		s.kick()
		return
	}
	if err == nil {
		err = faults.Wrap(faults.ErrDisconnected, "supervisor", "watch", "event stream ended", nil)
	}
	cause := recovery.CauseOf(err)
	if errors.Is(err, faults.ErrProcessCrash) {
		cause = recovery.CauseExit
	}
	s.crash(sl, cause, err)
}

// wantsWorker reports whether sl should have a live worker.
func (s *Supervisor) wantsWorker(sl *slot) bool {
	if sl.failed != nil {
		return false
	}
	if s.cfg.Supervisor.IdlePolicy == config.IdleKeepWarm {
		return true
	}
	return s.sched.Len() > 0 || len(s.scans) > 0
}

// idle arms the teardown timer for a slot with nothing to do.
func (s *Supervisor) idle(sl *slot) {
	if s.cfg.Supervisor.IdlePolicy != config.IdleTeardown || sl.idleTimer != nil || sl.handle == nil {
		return
	}
	gen := sl.generation
	sl.idleTimer = time.AfterFunc(s.cfg.Supervisor.IdleTimeout(), func() {
		s.post(func() { s.idleExpired(sl, gen) })
	})
}

func (s *Supervisor) idleExpired(sl *slot, gen int) {
	sl.idleTimer = nil
	if gen != sl.generation || !sl.ready() {
		return
	}
	if s.sched.Len() > 0 || len(s.scans) > 0 {
		return
	}
	sl.retiring = true
	h := sl.handle
	grace := s.cfg.Supervisor.ShutdownGrace()
	h.Logger().Info("retiring idle worker", logging.Duration("idle_timeout", s.cfg.Supervisor.IdleTimeout()))
	s.helper(func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := h.Shutdown(ctx); err != nil {
			h.Terminate(grace)
		}
	})
}
