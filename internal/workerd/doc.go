// Package workerd is the worker-process side of the encodeq protocol.
//
// A Runtime hosts the Worker RPC service on a Unix socket, mirrors the
// protocol state machine so out-of-order commands are rejected even if the
// controller is confused, runs scans and encodes on an engine, and publishes
// a sequenced event stream that the controller long-polls. Shutdown acks and
// then lets the process exit 0; any other exit is treated as a crash.
package workerd
