// Package daemon coordinates the long-running encodeq process.
//
// It wires configuration, queue persistence, the supervisor, and the control
// socket into a single lifecycle with flock-based locking to prevent multiple
// instances per state directory. On start the persisted queue is restored:
// jobs that were active when the previous daemon exited are reclaimed to the
// head of the queue and re-dispatched from their serialized payload. On
// shutdown every worker is stopped and active jobs stay active in the
// journal for the next run to reclaim.
//
// Keep orchestration logic in the supervisor: the daemon focuses on startup,
// shutdown, and high level coordination.
package daemon
