package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
)

const defaultHistoryLimit = 200

// Journal persists scheduler mutations. *Store implements it.
type Journal interface {
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, jobID string) error
	Order(ctx context.Context, jobIDs []string) error
}

// Scheduler orders pending jobs and tracks the active set. All mutations
// happen under one mutex.
type Scheduler struct {
	mu       sync.Mutex
	pending  []*Entry
	active   map[string]*Entry
	finished []*Entry
	limit    int
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithJournal persists every mutation through j.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.NewComponentLogger(logger, "queue") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithHistoryLimit bounds how many finished entries are retained in memory.
func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewScheduler returns an empty scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		active: make(map[string]*Entry),
		limit:  defaultHistoryLimit,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore seeds the scheduler from journal entries. Entries that were active
// when the previous daemon stopped are reclaimed to the head of the queue in
// their original order.
func (s *Scheduler) Restore(entries []Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reclaimed, queued []*Entry
	for i := range entries {
		e := entries[i]
		switch e.Status {
		case StatusActive:
			e.Status = StatusQueued
			e.SessionID = ""
			e.Reclaimed = true
			e.UpdatedAt = s.now().UTC()
			reclaimed = append(reclaimed, &e)
		case StatusQueued:
			queued = append(queued, &e)
		default:
			s.finishLocked(&e)
		}
	}
	s.pending = append(append(s.pending, reclaimed...), queued...)
	for _, e := range reclaimed {
		s.persist(*e)
	}
	if len(reclaimed) > 0 {
		s.reorderJournal()
	}
	return len(reclaimed)
}

// Enqueue appends job to the tail of the queue.
func (s *Scheduler) Enqueue(job protocol.Job) (Entry, error) {
	if err := job.Validate(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[job.ID]; ok || s.pendingIndex(job.ID) >= 0 {
		return Entry{}, faults.Wrap(faults.ErrDuplicateJob, "queue", "enqueue", job.ID, nil)
	}
	now := s.now().UTC()
	e := &Entry{Job: job, EnqueuedAt: now, UpdatedAt: now, Status: StatusQueued}
	s.pending = append(s.pending, e)
	s.persist(*e)
	s.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("source", job.SourcePath),
		logging.Int("position", len(s.pending)-1))
	return *e, nil
}

// Remove drops a pending job. Active jobs must be stopped instead.
func (s *Scheduler) Remove(jobID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[jobID]; ok {
		return Entry{}, faults.Wrap(faults.ErrJobAlreadyActive, "queue", "remove", jobID, nil)
	}
	idx := s.pendingIndex(jobID)
	if idx < 0 {
		return Entry{}, faults.Wrap(faults.ErrJobNotFound, "queue", "remove", jobID, nil)
	}
	e := s.pending[idx]
	s.pending = slices.Delete(s.pending, idx, idx+1)
	if s.journal != nil {
		if err := s.journal.Delete(context.Background(), jobID); err != nil {
			s.journalFailed("delete", jobID, err)
		}
	}
	return *e, nil
}

// Reorder moves a pending job to position (0 is the head). Positions past
// the tail clamp to the tail.
func (s *Scheduler) Reorder(jobID string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[jobID]; ok {
		return faults.Wrap(faults.ErrJobAlreadyActive, "queue", "reorder", jobID, nil)
	}
	idx := s.pendingIndex(jobID)
	if idx < 0 {
		return faults.Wrap(faults.ErrJobNotFound, "queue", "reorder", jobID, nil)
	}
	position = max(0, min(position, len(s.pending)-1))
	if position == idx {
		return nil
	}
	e := s.pending[idx]
	s.pending = slices.Delete(s.pending, idx, idx+1)
	s.pending = slices.Insert(s.pending, position, e)
	s.reorderJournal()
	return nil
}

// Advance pops the head of the queue and marks it active for sessionID.
// It returns false when the queue is empty.
func (s *Scheduler) Advance(sessionID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Entry{}, false
	}
	e := s.pending[0]
	s.pending = s.pending[1:]
	e.Status = StatusActive
	e.SessionID = sessionID
	e.UpdatedAt = s.now().UTC()
	s.active[e.Job.ID] = e
	s.persist(*e)
	return *e, true
}

// RequeueHead returns an active job to the head of the queue after a crash
// and consumes one unit of its retry budget.
func (s *Scheduler) RequeueHead(jobID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[jobID]
	if !ok {
		return Entry{}, faults.Wrap(faults.ErrJobNotFound, "queue", "requeue", jobID, nil)
	}
	delete(s.active, jobID)
	e.Status = StatusQueued
	e.SessionID = ""
	e.RetryCount++
	e.CrashRetried = true
	e.UpdatedAt = s.now().UTC()
	s.pending = slices.Insert(s.pending, 0, e)
	s.persist(*e)
	s.reorderJournal()
	return *e, nil
}

// Release returns an active job to the head without consuming retry
// budget. It is used when dispatch never reached the worker.
func (s *Scheduler) Release(jobID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[jobID]
	if !ok {
		return Entry{}, faults.Wrap(faults.ErrJobNotFound, "queue", "release", jobID, nil)
	}
	delete(s.active, jobID)
	e.Status = StatusQueued
	e.SessionID = ""
	e.UpdatedAt = s.now().UTC()
	s.pending = slices.Insert(s.pending, 0, e)
	s.persist(*e)
	s.reorderJournal()
	return *e, nil
}

// Complete marks an active job as finished successfully.
func (s *Scheduler) Complete(jobID string) (Entry, error) {
	return s.settle(jobID, StatusCompleted, "")
}

// Fail marks an active job as failed. Failed jobs are never retried.
func (s *Scheduler) Fail(jobID, reason string) (Entry, error) {
	return s.settle(jobID, StatusFailed, reason)
}

// Cancel marks an active job as cancelled.
func (s *Scheduler) Cancel(jobID, reason string) (Entry, error) {
	return s.settle(jobID, StatusCancelled, reason)
}

func (s *Scheduler) settle(jobID string, status Status, reason string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[jobID]
	if !ok {
		return Entry{}, faults.Wrap(faults.ErrJobNotFound, "queue", string(status), jobID, nil)
	}
	delete(s.active, jobID)
	now := s.now().UTC()
	e.Status = status
	e.Error = reason
	e.UpdatedAt = now
	e.FinishedAt = now
	s.finishLocked(e)
	s.persist(*e)
	return *e, nil
}

// Get looks up a job in any state.
func (s *Scheduler) Get(jobID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.active[jobID]; ok {
		return *e, true
	}
	if idx := s.pendingIndex(jobID); idx >= 0 {
		return *s.pending[idx], true
	}
	for i := len(s.finished) - 1; i >= 0; i-- {
		if s.finished[i].Job.ID == jobID {
			return *s.finished[i], true
		}
	}
	return Entry{}, false
}

// Pending returns queued entries, head first.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEntries(s.pending)
}

// Active returns active entries ordered by job ID.
func (s *Scheduler) Active() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return a.EnqueuedAt.Compare(b.EnqueuedAt)
	})
	return out
}

// Finished returns retained terminal entries, oldest first.
func (s *Scheduler) Finished() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEntries(s.finished)
}

// Len reports the number of queued entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats counts entries by status.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Queued: len(s.pending), Active: len(s.active)}
	for _, e := range s.finished {
		switch e.Status {
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

func (s *Scheduler) pendingIndex(jobID string) int {
	return slices.IndexFunc(s.pending, func(e *Entry) bool { return e.Job.ID == jobID })
}

func (s *Scheduler) finishLocked(e *Entry) {
	s.finished = append(s.finished, e)
	if over := len(s.finished) - s.limit; over > 0 {
		s.finished = slices.Delete(s.finished, 0, over)
	}
}

func (s *Scheduler) persist(e Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Put(context.Background(), e); err != nil {
		s.journalFailed("put", e.Job.ID, err)
	}
}

func (s *Scheduler) reorderJournal() {
	if s.journal == nil {
		return
	}
	ids := make([]string, len(s.pending))
	for i, e := range s.pending {
		ids[i] = e.Job.ID
	}
	if err := s.journal.Order(context.Background(), ids); err != nil {
		s.journalFailed("order", "", err)
	}
}

func (s *Scheduler) journalFailed(op, jobID string, err error) {
	logging.WarnWithContext(s.logger, "queue journal write failed", "queue_journal_failed",
		logging.String("operation", op),
		logging.String(logging.FieldJobID, jobID),
		logging.Error(err),
		logging.String(logging.FieldImpact, "queue state may not survive a daemon restart"),
		logging.String(logging.FieldErrorHint, fmt.Sprintf("check the queue database (%s)", op)))
}

func copyEntries(in []*Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = *e
	}
	return out
}
