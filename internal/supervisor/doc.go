// Package supervisor runs the orchestration loop that ties the queue to a
// pool of worker processes.
//
// Every command and every state change happens on one goroutine. Worker
// events, transport faults, heartbeat failures, process exits, and timers
// are posted to that goroutine as operations, so slot bookkeeping needs no
// locks and the crash path for a given session runs exactly once. The loop
// never blocks on a child process: spawning, graceful shutdown, and
// termination run on helper goroutines that post their outcome back.
package supervisor
