package worker

import (
	"sync"
	"time"

	"encodeq/internal/protocol"
)

const defaultHistoryLimit = 200

// Record is one entry in a session's event history.
type Record struct {
	At    time.Time
	Type  protocol.EventType
	JobID string
	Level string
	Text  string
}

// Session is the controller-side record of one worker process.
type Session struct {
	ID      string
	Slot    int
	Started time.Time

	machine *protocol.Machine

	mu            sync.Mutex
	pid           int
	job           *protocol.Job
	stopping      bool
	lastHeartbeat time.Time
	progress      protocol.Progress
	hasProgress   bool
	history       []Record
	limit         int
}

// NewSession creates a session in the Unstarted state.
func NewSession(id string, slot int) *Session {
	return &Session{
		ID:      id,
		Slot:    slot,
		Started: time.Now(),
		machine: protocol.NewMachine(),
		limit:   defaultHistoryLimit,
	}
}

// Machine exposes the session's protocol state machine.
func (s *Session) Machine() *protocol.Machine { return s.machine }

// State returns the current protocol state.
func (s *Session) State() protocol.State { return s.machine.State() }

// PID returns the worker process ID, or 0 before spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Session) setPID(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

// Job returns the active job, if any.
func (s *Session) Job() (protocol.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return protocol.Job{}, false
	}
	return *s.job, true
}

// Stopping reports whether a Stop was issued for the active work.
func (s *Session) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// begin resets per-work state for a scan (job nil) or an encode.
func (s *Session) begin(job *protocol.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = job
	s.stopping = false
	s.hasProgress = false
	s.progress = protocol.Progress{}
}

func (s *Session) markStopping() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
}

func (s *Session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = nil
	s.stopping = false
}

// Beat records a successful liveness check.
func (s *Session) Beat(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastHeartbeat) {
		s.lastHeartbeat = at
	}
	s.mu.Unlock()
}

// LastHeartbeat returns the time of the last successful ping.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// ObserveProgress accepts p only if it does not move backwards relative to
// the last accepted report for the active job. Pass numbers dominate
// percent, so a new pass may restart at zero.
func (s *Session) ObserveProgress(p protocol.Progress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasProgress && progressBefore(p, s.progress) {
		return false
	}
	s.progress = p
	s.hasProgress = true
	return true
}

// Progress returns the last accepted progress report.
func (s *Session) Progress() (protocol.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.hasProgress
}

func progressBefore(a, b protocol.Progress) bool {
	if a.Pass != b.Pass {
		return a.Pass < b.Pass
	}
	return a.Percent < b.Percent
}

func (s *Session) record(evt protocol.Event) {
	r := Record{At: evt.Time, Type: evt.Type, JobID: evt.JobID}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	switch {
	case evt.Log != nil:
		r.Level, r.Text = evt.Log.Level, evt.Log.Text
	case evt.Error != nil:
		r.Level, r.Text = "error", evt.Error.Reason
	case evt.Result != nil:
		r.Text = evt.Result.OutputPath
	case evt.Scan != nil:
		r.Text = evt.Scan.Path
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, r)
	if over := len(s.history) - s.limit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// History returns recent non-progress events, oldest first.
func (s *Session) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.history...)
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	ID            string
	Slot          int
	PID           int
	State         protocol.State
	JobID         string
	Progress      *protocol.Progress
	LastHeartbeat time.Time
	Started       time.Time
}

// Snapshot captures the session for status output.
func (s *Session) Snapshot() Snapshot {
	state := s.machine.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:            s.ID,
		Slot:          s.Slot,
		PID:           s.pid,
		State:         state,
		LastHeartbeat: s.lastHeartbeat,
		Started:       s.Started,
	}
	if s.job != nil {
		snap.JobID = s.job.ID
	}
	if s.hasProgress {
		p := s.progress
		snap.Progress = &p
	}
	return snap
}
