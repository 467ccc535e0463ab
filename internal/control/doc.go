// Package control exposes the daemon to the CLI over JSON-RPC on a Unix
// domain socket.
//
// The service is registered as "Encodeq" on an ipc.Server. Every response
// carries a Fault; a failed call returns nil to net/rpc and fills Fault with
// the classified error, which the Client turns back into an error matching
// the same faults markers. Scan blocks until the worker reports titles, so
// callers should give it a generous context.
package control
