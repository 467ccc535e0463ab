package supervisor

import (
	"errors"
	"fmt"
	"time"

	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/queue"
	"encodeq/internal/recovery"
)

// handleEvent applies a worker event on the loop. The handle has already
// updated the session state.
func (s *Supervisor) handleEvent(sl *slot, gen int, evt protocol.Event) {
	if gen != sl.generation || sl.handle == nil {
		return
	}
	switch evt.Type {
	case protocol.EventEncodeProgress:
		if sl.jobID == "" || evt.JobID != sl.jobID {
			return
		}
		if entry, ok := s.sched.Get(sl.jobID); ok {
			s.notify(Update{Kind: UpdateProgress, Entry: entry, Slot: sl.index, Progress: evt.Progress})
		}
	case protocol.EventScanProgress, protocol.EventLogMessage:
	case protocol.EventScanComplete:
		if sl.scan != nil {
			outcome := scanOutcome{}
			if evt.Scan != nil {
				outcome.result = *evt.Scan
				if evt.Scan.Error != "" {
					outcome.err = faults.Wrap(faults.ErrWorkerReported, "supervisor", "scan", evt.Scan.Error, nil)
				}
			}
			sl.scan.finish(outcome)
			sl.scan = nil
		}
		s.kick()
	case protocol.EventEncodeComplete:
		s.settle(sl, func(id string) (queue.Entry, error) { return s.sched.Complete(id) }, UpdateCompleted, nil, evt.Result)
	case protocol.EventEncodeStopped:
		if sl.scan != nil {
			sl.scan.finish(scanOutcome{err: faults.Wrap(faults.ErrWorkerReported, "supervisor", "scan", "scan stopped", nil)})
			sl.scan = nil
		}
		s.settle(sl, func(id string) (queue.Entry, error) { return s.sched.Cancel(id, queue.UserStopReason) }, UpdateCancelled, nil, nil)
	case protocol.EventEncodeError:
		info := evt.Error
		if info == nil {
			info = &protocol.ErrorInfo{Reason: "unspecified worker error"}
		}
		if info.Fatal {
			s.crash(sl, recovery.CauseFatalError, errors.New(info.Reason))
			return
		}
		reason := info.Reason
		surfaced := faults.Wrap(faults.ErrWorkerReported, "supervisor", "encode", reason, nil)
		if sl.scan != nil {
			sl.scan.finish(scanOutcome{err: surfaced})
			sl.scan = nil
			s.kick()
			return
		}
		s.settle(sl, func(id string) (queue.Entry, error) { return s.sched.Fail(id, reason) }, UpdateFailed, surfaced, nil)
	}
}

// settle moves the slot's job to a terminal status and frees the slot.
func (s *Supervisor) settle(sl *slot, apply func(string) (queue.Entry, error), kind UpdateKind, cause error, result *protocol.EncodeResult) {
	for _, t := range []*time.Timer{sl.stopTimer, sl.syncTimer} {
		if t != nil {
			t.Stop()
		}
	}
	sl.stopTimer, sl.syncTimer = nil, nil
	defer s.kick()
	if sl.jobID == "" {
		return
	}
	id := sl.jobID
	sl.jobID = ""
	entry, err := apply(id)
	if err != nil {
		s.logger.Warn("job settle failed", logging.String(logging.FieldJobID, id), logging.Error(err))
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldJobID, id),
		logging.String(logging.FieldEventType, "job_"+string(kind)),
		logging.Int(logging.FieldWorkerSlot, sl.index),
	}
	if cause != nil {
		attrs = append(attrs, logging.Error(cause))
	}
	if result != nil {
		attrs = append(attrs, logging.String("output", result.OutputPath))
	}
	s.logger.Info("job "+string(kind), logging.Args(attrs...)...)
	s.notify(Update{Kind: kind, Entry: entry, Slot: sl.index, Err: cause, Result: result})
}

// handleFault reacts to an asynchronous command failure. A Pause, Resume or
// Stop that lost a race with the end of the work is dropped: the worker's
// terminal event settles the job. A job the worker refused as invalid fails
// without a retry. Anything else means the session can no longer be
// trusted.
func (s *Supervisor) handleFault(sl *slot, gen int, cmd protocol.Command, err error) {
	if gen != sl.generation || sl.handle == nil {
		return
	}
	switch {
	case errors.Is(err, faults.ErrTransportFault):
		s.crash(sl, recovery.CauseDisconnect, fmt.Errorf("%s: %w", cmd, err))
	case errors.Is(err, faults.ErrInvalidState) && controlsWork(cmd):
		sl.handle.Logger().Info("worker rejected stale command",
			logging.String("command", string(cmd)),
			logging.String(logging.FieldJobID, sl.jobID),
			logging.String(logging.FieldEventType, "command_stale"),
			logging.Error(err))
		s.awaitTerminal(sl, gen)
	case errors.Is(err, faults.ErrInvalidJob) && startsJob(cmd) && sl.jobID != "":
		reason := fmt.Sprintf("worker rejected job: %v", err)
		surfaced := faults.Wrap(faults.ErrWorkerReported, "supervisor", "encode", reason, nil)
		s.settle(sl, func(id string) (queue.Entry, error) { return s.sched.Fail(id, reason) }, UpdateFailed, surfaced, nil)
	default:
		s.crash(sl, recovery.CauseProtocol, fmt.Errorf("%s: %w", cmd, err))
	}
}

// awaitTerminal bounds how long a slot may hold a job after a stale command
// was rejected. If the worker is Idle and no terminal event arrived within
// the stop grace the event was lost and the session is recovered.
func (s *Supervisor) awaitTerminal(sl *slot, gen int) {
	if sl.jobID == "" || sl.syncTimer != nil {
		return
	}
	jobID := sl.jobID
	sl.syncTimer = time.AfterFunc(s.cfg.Supervisor.StopGrace(), func() {
		s.post(func() {
			sl.syncTimer = nil
			if gen != sl.generation || sl.handle == nil || sl.jobID != jobID {
				return
			}
			if sl.handle.Session().State() != protocol.StateIdle {
				return
			}
			s.crash(sl, recovery.CauseProtocol, fmt.Errorf("no terminal event for job %s", jobID))
		})
	})
}

func controlsWork(cmd protocol.Command) bool {
	switch cmd {
	case protocol.CmdPause, protocol.CmdResume, protocol.CmdStop:
		return true
	}
	return false
}

func startsJob(cmd protocol.Command) bool {
	return cmd == protocol.CmdStartEncode || cmd == protocol.CmdStartEncodeFromSerializedJob
}

// crash runs the recovery path for sl: the session is marked Crashed and
// torn down, the in-flight job is requeued, failed, or cancelled per
// policy, and a replacement worker is spawned.
func (s *Supervisor) crash(sl *slot, cause recovery.Cause, err error) {
	h := sl.handle
	if h == nil {
		return
	}
	h.Crash(string(cause))
	sl.stopTimers()
	sl.cancelSession()
	sl.handle = nil
	sl.retiring = false
	stopping := h.Session().Stopping()
	grace := s.cfg.Supervisor.StopGrace()
	s.helper(func() {
		h.Terminate(grace)
		_ = h.Close()
	})

	sl.restarts++
	s.restarts++
	if err != nil {
		sl.lastError = err.Error()
	}
	logging.ErrorWithContext(h.Logger(), "worker crashed", "worker_crashed",
		logging.String("cause", string(cause)),
		logging.Error(err),
		logging.Int("slot_restarts", sl.restarts),
		logging.Int("pool_restarts", s.restarts),
		logging.String(logging.FieldImpact, "in-flight work is recovered per retry policy"),
		logging.String(logging.FieldErrorHint, "see the worker log for the crashed session"))

	if sl.scan != nil {
		sl.scan.finish(scanOutcome{err: faults.Wrap(faults.ErrProcessCrash, "supervisor", "scan", string(cause), err)})
		sl.scan = nil
	}
	if sl.jobID != "" {
		s.recoverJob(sl, cause, err, stopping)
	}
	s.kick()
}

func (s *Supervisor) recoverJob(sl *slot, cause recovery.Cause, err error, stopping bool) {
	id := sl.jobID
	sl.jobID = ""
	entry, ok := s.sched.Get(id)
	if !ok {
		return
	}
	verdict := s.policy.Decide(recovery.Incident{
		Cause:      cause,
		Err:        err,
		HasJob:     true,
		RetryCount: entry.RetryCount,
		Stopping:   stopping,
	})
	logger := s.logger.With(logging.String(logging.FieldJobID, id), logging.Int(logging.FieldWorkerSlot, sl.index))
	switch verdict.Action {
	case recovery.ActionRequeue:
		requeued, rqErr := s.sched.RequeueHead(id)
		if rqErr != nil {
			logger.Warn("requeue failed", logging.Error(rqErr))
			return
		}
		logger.Info("job requeued after crash",
			logging.String(logging.FieldEventType, "job_requeued"),
			logging.Int("retry_count", requeued.RetryCount),
			logging.String("reason", verdict.Reason))
		s.notify(Update{Kind: UpdateRequeued, Entry: requeued, Slot: sl.index})
	case recovery.ActionCancel:
		cancelled, cErr := s.sched.Cancel(id, verdict.Reason)
		if cErr == nil {
			s.notify(Update{Kind: UpdateCancelled, Entry: cancelled, Slot: sl.index})
		}
	default:
		failed, fErr := s.sched.Fail(id, verdict.Reason)
		if fErr != nil {
			logger.Warn("fail after crash", logging.Error(fErr))
			return
		}
		logging.ErrorWithContext(logger, "job failed after crash", "job_failed",
			logging.String("reason", verdict.Reason),
			logging.String(logging.FieldErrorKind, string(faults.KindOf(verdict.Surface))),
			logging.String(logging.FieldImpact, "job will not be retried"),
			logging.String(logging.FieldErrorHint, "re-add the job once the cause is fixed"))
		s.notify(Update{Kind: UpdateFailed, Entry: failed, Slot: sl.index, Err: verdict.Surface})
	}
}

// stopExpired escalates a Stop that the worker did not confirm in time.
func (s *Supervisor) stopExpired(sl *slot, gen int) {
	sl.stopTimer = nil
	if gen != sl.generation || sl.handle == nil {
		return
	}
	if sl.handle.Session().State() != protocol.StateStopping {
		return
	}
	s.crash(sl, recovery.CauseStopTimeout,
		fmt.Errorf("stop not confirmed within %s", s.cfg.Supervisor.StopGrace()))
}

type scanOutcome struct {
	result protocol.ScanResult
	err    error
}

type scanRequest struct {
	path  string
	reply chan scanOutcome
}

func (r *scanRequest) finish(o scanOutcome) {
	select {
	case r.reply <- o:
	default:
	}
}

func protocolScanAborted() scanOutcome {
	return scanOutcome{err: faults.Wrap(faults.ErrTransportFault, "supervisor", "scan", "supervisor stopped", nil)}
}

// failScansIfStranded fails pending scans when no slot can ever run them.
func (s *Supervisor) failScansIfStranded(cause error) {
	for _, sl := range s.slots {
		if sl.failed == nil {
			return
		}
	}
	for _, req := range s.scans {
		req.finish(scanOutcome{err: cause})
	}
	s.scans = nil
}
