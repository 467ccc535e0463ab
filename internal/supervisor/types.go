package supervisor

import (
	"time"

	"encodeq/internal/protocol"
	"encodeq/internal/queue"
	"encodeq/internal/worker"
)

// UpdateKind classifies a job update.
type UpdateKind string

const (
	UpdateQueued    UpdateKind = "queued"
	UpdateStarted   UpdateKind = "started"
	UpdateProgress  UpdateKind = "progress"
	UpdatePaused    UpdateKind = "paused"
	UpdateResumed   UpdateKind = "resumed"
	UpdateRequeued  UpdateKind = "requeued"
	UpdateCompleted UpdateKind = "completed"
	UpdateFailed    UpdateKind = "failed"
	UpdateCancelled UpdateKind = "cancelled"
)

// Update reports a job lifecycle change to observers.
type Update struct {
	Kind     UpdateKind
	Entry    queue.Entry
	Slot     int
	Progress *protocol.Progress
	Result   *protocol.EncodeResult
	// Err is set for failed jobs. It is classified with the faults markers.
	Err error
}

// Observer receives updates on the orchestration goroutine and must return
// quickly.
type Observer func(Update)

// SlotStatus describes one pool slot.
type SlotStatus struct {
	Index     int
	Session   *worker.Snapshot
	Spawning  bool
	Retiring  bool
	// Disabled slots hit a configuration error and never respawn.
	Disabled  bool
	Restarts  int
	LastError string
}

// Status is a point-in-time view of the pool and queue.
type Status struct {
	Running  bool
	Started  time.Time
	Slots    []SlotStatus
	Restarts int
	Queue    queue.Stats
	Pending  []queue.Entry
	Active   []queue.Entry
	Finished []queue.Entry
}
