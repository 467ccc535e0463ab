// Package logging assembles structured slog loggers and formatting helpers used
// by the encodeq controller and worker processes.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so orchestration code can tag log lines
// with job IDs, worker session IDs, and pool slots. Worker-side log messages
// that cross the process boundary are re-emitted through LogWorkerMessage so
// they land in the controller log with the level the worker chose.
//
// Prefer these constructors over hand-rolled slog setup so every component
// emits records with the same shape.
package logging
