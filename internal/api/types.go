package api

import "encodeq/internal/protocol"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// QueueItem describes a queue entry in a transport-friendly format.
type QueueItem struct {
	ID          string             `json:"id"`
	SourcePath  string             `json:"sourcePath"`
	Title       int                `json:"title"`
	Destination string             `json:"destination"`
	Profile     string             `json:"profile,omitempty"`
	Preview     bool               `json:"preview,omitempty"`
	Status      string             `json:"status"`
	Position    int                `json:"position"`
	RetryCount  int                `json:"retryCount"`
	Slot        int                `json:"slot"`
	Progress    *protocol.Progress `json:"progress,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   string             `json:"createdAt,omitempty"`
	UpdatedAt   string             `json:"updatedAt,omitempty"`
	FinishedAt  string             `json:"finishedAt,omitempty"`
}

// WorkerStatus describes one pool slot.
type WorkerStatus struct {
	Slot          int                `json:"slot"`
	SessionID     string             `json:"sessionId,omitempty"`
	PID           int                `json:"pid,omitempty"`
	State         string             `json:"state"`
	JobID         string             `json:"jobId,omitempty"`
	Progress      *protocol.Progress `json:"progress,omitempty"`
	LastHeartbeat string             `json:"lastHeartbeat,omitempty"`
	StartedAt     string             `json:"startedAt,omitempty"`
	Restarts      int                `json:"restarts"`
	LastError     string             `json:"lastError,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	StartedAt    string         `json:"startedAt,omitempty"`
	QueueDBPath  string         `json:"queueDbPath"`
	LockFilePath string         `json:"lockFilePath"`
	Restarts     int            `json:"restarts"`
	QueueStats   map[string]int `json:"queueStats"`
	Workers      []WorkerStatus `json:"workers"`
}

// Worker slot pseudo-states reported when no session is live.
const (
	SlotStateEmpty    = "empty"
	SlotStateSpawning = "spawning"
	SlotStateRetiring = "retiring"
	SlotStateDisabled = "disabled"
)
