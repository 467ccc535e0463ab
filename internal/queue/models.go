package queue

import (
	"time"

	"encodeq/internal/protocol"
)

// Status represents the lifecycle of a queue entry.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the entry has left the queue for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// UserStopReason is recorded when a user explicitly stops an active job.
const UserStopReason = "stop requested by user"

// Entry is a job plus its queue bookkeeping.
type Entry struct {
	Job          protocol.Job
	EnqueuedAt   time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
	RetryCount   int
	CrashRetried bool
	Status       Status
	Error        string
	SessionID    string
	// Reclaimed marks an entry recovered from the journal after a daemon
	// restart; it is dispatched from its serialized payload.
	Reclaimed bool
}

// ID returns the job identifier.
func (e Entry) ID() string { return e.Job.ID }

// Payload serializes the job for StartEncodeFromSerializedJob.
func (e Entry) Payload() ([]byte, error) { return e.Job.Marshal() }

// Stats counts entries by status.
type Stats struct {
	Queued    int
	Active    int
	Completed int
	Failed    int
	Cancelled int
}
