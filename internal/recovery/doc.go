// Package recovery detects dead workers and decides what happens to the job
// they were running.
//
// Monitor pings a session on a fixed interval and reports a crash after the
// configured number of consecutive timeouts, or immediately when the
// transport reports a disconnect. Policy turns a crash into a verdict for
// the in-flight job: requeue it at the head once, or fail it for good.
package recovery
