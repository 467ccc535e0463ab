// Package main implements the encodeq command-line client.
//
// The CLI starts and stops the daemon, submits and reorders encode jobs,
// controls running jobs (pause, resume, cancel), asks the worker pool to scan
// sources for titles, and renders daemon status. Every command except
// `config init` and `daemon` talks to a running daemon over its control
// socket; `status` falls back to reading queue statistics straight from the
// database when no daemon answers.
package main
