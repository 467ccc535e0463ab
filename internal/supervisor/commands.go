package supervisor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/queue"
)

// Enqueue adds job to the tail of the queue. An empty ID is replaced with
// a generated one, and unset preview and chapter fields take the
// configured defaults.
func (s *Supervisor) Enqueue(job protocol.Job) (queue.Entry, error) {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	defaults := s.cfg.Encode
	if job.PreviewNumber == 0 {
		job.PreviewNumber = defaults.PreviewNumber
	}
	if job.PreviewSeconds == 0 {
		job.PreviewSeconds = defaults.PreviewSeconds
	}
	if job.ChapterNameFormat == "" {
		job.ChapterNameFormat = defaults.ChapterNameFormat
	}
	entry, err := s.sched.Enqueue(job)
	if err != nil {
		return queue.Entry{}, err
	}
	s.notify(Update{Kind: UpdateQueued, Entry: entry, Slot: -1})
	if s.Running() {
		s.post(s.kick)
	}
	return entry, nil
}

// Remove drops a queued job. Active jobs must be stopped instead.
func (s *Supervisor) Remove(jobID string) (queue.Entry, error) {
	return s.sched.Remove(jobID)
}

// Move places a queued job at position, clamped to the queue bounds.
func (s *Supervisor) Move(jobID string, position int) error {
	return s.sched.Reorder(jobID, position)
}

// Pause suspends the running encode of jobID.
func (s *Supervisor) Pause(ctx context.Context, jobID string) error {
	return s.do(ctx, func() error {
		sl, err := s.slotFor(jobID)
		if err != nil {
			return err
		}
		if err := sl.handle.Pause(); err != nil {
			return err
		}
		s.notifyJob(sl, UpdatePaused)
		return nil
	})
}

// Resume continues a paused encode of jobID.
func (s *Supervisor) Resume(ctx context.Context, jobID string) error {
	return s.do(ctx, func() error {
		sl, err := s.slotFor(jobID)
		if err != nil {
			return err
		}
		if err := sl.handle.Resume(); err != nil {
			return err
		}
		s.notifyJob(sl, UpdateResumed)
		return nil
	})
}

// Stop asks the worker running jobID to abandon it. If the worker does not
// confirm within the stop grace period it is terminated and the job is
// cancelled.
func (s *Supervisor) Stop(ctx context.Context, jobID string) error {
	return s.do(ctx, func() error {
		sl, err := s.slotFor(jobID)
		if err != nil {
			return err
		}
		if err := sl.handle.Stop(); err != nil {
			return err
		}
		gen := sl.generation
		grace := s.cfg.Supervisor.StopGrace()
		if sl.stopTimer != nil {
			sl.stopTimer.Stop()
		}
		sl.stopTimer = time.AfterFunc(grace, func() {
			s.post(func() { s.stopExpired(sl, gen) })
		})
		sl.handle.Logger().Info("stop requested",
			logging.String(logging.FieldJobID, jobID),
			logging.Duration("grace", grace))
		return nil
	})
}

func (s *Supervisor) slotFor(jobID string) (*slot, error) {
	for _, sl := range s.slots {
		if sl.handle != nil && sl.jobID != "" && sl.jobID == jobID {
			return sl, nil
		}
	}
	return nil, faults.Wrap(faults.ErrJobNotFound, "supervisor", "lookup", "no worker is running job "+jobID, nil)
}

func (s *Supervisor) notifyJob(sl *slot, kind UpdateKind) {
	if entry, ok := s.sched.Get(sl.jobID); ok {
		s.notify(Update{Kind: kind, Entry: entry, Slot: sl.index})
	}
}

// Scan runs a scan of path on the next free worker and waits for the
// discovered titles. Scans take priority over queued jobs.
func (s *Supervisor) Scan(ctx context.Context, path string) (protocol.ScanResult, error) {
	if strings.TrimSpace(path) == "" {
		return protocol.ScanResult{}, faults.Wrap(faults.ErrProtocolViolation, "supervisor", "scan", "path required", nil)
	}
	req := &scanRequest{path: path, reply: make(chan scanOutcome, 1)}
	err := s.do(ctx, func() error {
		if s.stranded() {
			return faults.Wrap(faults.ErrConfiguration, "supervisor", "scan", "no usable worker slots", nil)
		}
		s.scans = append(s.scans, req)
		s.kick()
		return nil
	})
	if err != nil {
		return protocol.ScanResult{}, err
	}
	select {
	case out := <-req.reply:
		return out.result, out.err
	case <-ctx.Done():
		s.post(func() { s.dropScan(req) })
		return protocol.ScanResult{}, ctx.Err()
	}
}

func (s *Supervisor) stranded() bool {
	for _, sl := range s.slots {
		if sl.failed == nil {
			return false
		}
	}
	return true
}

// dropScan forgets a scan whose caller gave up before it was dispatched.
func (s *Supervisor) dropScan(req *scanRequest) {
	for i, pending := range s.scans {
		if pending == req {
			s.scans = append(s.scans[:i], s.scans[i+1:]...)
			return
		}
	}
}

// Status returns a snapshot of the pool and queue.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() error {
		st = Status{
			Running:  true,
			Started:  s.started,
			Restarts: s.restarts,
		}
		for _, sl := range s.slots {
			ss := SlotStatus{
				Index:     sl.index,
				Spawning:  sl.spawning,
				Retiring:  sl.retiring,
				Disabled:  sl.failed != nil,
				Restarts:  sl.restarts,
				LastError: sl.lastError,
			}
			if sl.handle != nil {
				snap := sl.handle.Session().Snapshot()
				ss.Session = &snap
			}
			st.Slots = append(st.Slots, ss)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotRunning) {
			return Status{}, err
		}
		st = Status{}
	}
	st.Queue = s.sched.Stats()
	st.Pending = s.sched.Pending()
	st.Active = s.sched.Active()
	st.Finished = s.sched.Finished()
	return st, nil
}
