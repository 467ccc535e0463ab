// Package worker is the controller's view of one worker process.
//
// A Handle binds a spawned Process to its Transport connection and to a
// Session, which records the protocol state, the active job, the last
// heartbeat, and recent progress and log history. Commands are checked
// against the session's state machine before they are sent; inbound events
// are applied to it in emission order.
package worker
