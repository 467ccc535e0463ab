package supervisor

import (
	"encodeq/internal/logging"
	"encodeq/internal/queue"
	"encodeq/internal/recovery"
)

// dispatch hands pending scans and jobs to ready slots, spawns workers for
// slots that need one, and arms idle timers for the rest.
func (s *Supervisor) dispatch() {
	for _, sl := range s.slots {
		if sl.handle == nil {
			if !sl.spawning && sl.retrying == nil && s.wantsWorker(sl) {
				s.spawn(sl)
			}
			continue
		}
		if !sl.ready() {
			continue
		}
		if len(s.scans) > 0 {
			s.startScan(sl)
			continue
		}
		entry, ok := s.sched.Advance(sl.handle.Session().ID)
		if !ok {
			s.idle(sl)
			continue
		}
		s.startJob(sl, entry)
	}
}

func (s *Supervisor) clearIdle(sl *slot) {
	if sl.idleTimer != nil {
		sl.idleTimer.Stop()
		sl.idleTimer = nil
	}
}

func (s *Supervisor) startScan(sl *slot) {
	req := s.scans[0]
	s.scans = s.scans[1:]
	s.clearIdle(sl)
	if err := sl.handle.StartScan(req.path); err != nil {
		req.finish(scanOutcome{err: err})
		s.crash(sl, recovery.CauseOf(err), err)
		return
	}
	sl.scan = req
	sl.handle.Logger().Info("scan started", logging.String("path", req.path))
}

func (s *Supervisor) startJob(sl *slot, entry queue.Entry) {
	s.clearIdle(sl)
	h := sl.handle
	job := entry.Job
	var err error
	if entry.Reclaimed {
		var payload []byte
		payload, err = entry.Payload()
		if err == nil {
			err = h.StartEncodeFromSerializedJob(job, payload)
		}
	} else {
		err = h.StartEncode(job, job.PreviewNumber, job.PreviewSeconds, job.ChapterNameFormat)
	}
	if err != nil {
		// The job never reached the worker; keep its retry budget.
		if _, relErr := s.sched.Release(job.ID); relErr != nil {
			s.logger.Warn("release after failed dispatch", logging.Error(relErr))
		}
		s.crash(sl, recovery.CauseOf(err), err)
		return
	}
	sl.jobID = job.ID
	logger := h.Logger().With(logging.String(logging.FieldJobID, job.ID))
	logger.Info("job dispatched",
		logging.String(logging.FieldEventType, "job_dispatched"),
		logging.String("source", job.SourcePath),
		logging.Int("retry_count", entry.RetryCount),
		logging.Bool("reclaimed", entry.Reclaimed))
	s.notify(Update{Kind: UpdateStarted, Entry: entry, Slot: sl.index})
}
