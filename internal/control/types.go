package control

import (
	"encodeq/internal/api"
	"encodeq/internal/protocol"
)

// ServiceName is the RPC receiver name for the control socket.
const ServiceName = "Encodeq"

// Fault carries a classified failure back to the client.
type Fault = protocol.Ack

// EnqueueRequest adds a job to the queue tail.
type EnqueueRequest struct {
	Job protocol.Job `json:"job"`
}

// EnqueueResponse returns the queued item.
type EnqueueResponse struct {
	Fault Fault         `json:"fault"`
	Item  api.QueueItem `json:"item"`
}

// ListRequest filters the queue listing by status.
type ListRequest struct {
	Statuses []string `json:"statuses"`
}

// ListResponse contains queue entries.
type ListResponse struct {
	Fault Fault           `json:"fault"`
	Items []api.QueueItem `json:"items"`
}

// RemoveRequest drops a queued job.
type RemoveRequest struct {
	ID string `json:"id"`
}

// RemoveResponse returns the removed item.
type RemoveResponse struct {
	Fault Fault         `json:"fault"`
	Item  api.QueueItem `json:"item"`
}

// MoveRequest places a queued job at Position.
type MoveRequest struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// JobRequest targets a running job for Pause, Resume, or Stop.
type JobRequest struct {
	ID string `json:"id"`
}

// Response is the reply for commands that return nothing else.
type Response struct {
	Fault Fault `json:"fault"`
}

// ScanRequest scans a source for playable titles.
type ScanRequest struct {
	Path string `json:"path"`
}

// ScanResponse returns the discovered titles.
type ScanResponse struct {
	Fault  Fault               `json:"fault"`
	Result protocol.ScanResult `json:"result"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon and pool status.
type StatusResponse struct {
	Fault  Fault            `json:"fault"`
	Status api.DaemonStatus `json:"status"`
}
