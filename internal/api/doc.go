// Package api defines wire-format types and converters for the control
// socket. It translates queue entries and supervisor status into
// transport-friendly DTOs that the CLI can render without coupling to
// internal types.
//
// # Key Types
//
// QueueItem: transport representation of a queue entry with its position,
// retry count, worker slot, and latest progress.
//
// WorkerStatus: one pool slot with its session, state, heartbeat, and
// restart counter.
//
// DaemonStatus: daemon running state, queue counts, and worker slots.
//
// # Converters
//
// FromEntry: queue.Entry -> QueueItem.
//
// FromStatus: supervisor.Status -> DaemonStatus plus the merged queue
// listing (pending first in dispatch order, then active, then finished
// newest first).
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses and worker states are exposed as
// lowercase strings. Timestamps use RFC3339 with milliseconds.
package api
