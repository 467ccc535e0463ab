// Package ipc carries JSON-RPC over Unix domain sockets for both process
// boundaries in encodeq: the controller talking to each worker process, and
// the CLI talking to the daemon.
//
// Server is a generic socket listener that serves one registered RPC
// receiver. Client is the controller's end of a worker connection: commands
// go out through an ordered, fire-and-return outbox; events come back through
// a long-poll pump that delivers them to subscribers strictly in emission
// order, at most once, and drops malformed or duplicate entries. Dial retries
// with exponential backoff while a freshly spawned worker is still binding its
// socket.
package ipc
