// Package queue holds the ordered encode queue and its SQLite journal.
//
// The Scheduler owns ordering and the active set under a single mutex so
// pop-and-mark-active is atomic. The Store persists every entry (serialized
// job payload, position, retry count, terminal status) so a restarted daemon
// can reclaim work that was active when it went down.
package queue
