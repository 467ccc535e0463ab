// Package faults classifies failures raised while orchestrating encode
// workers.
//
// Every error the controller produces carries one of the exported markers so
// callers can decide, without string matching, whether a failure is the
// caller's fault (ProtocolViolation), a channel hiccup (TransportFault), an
// engine verdict about a job (WorkerReportedError), a dead or hung worker
// (ProcessCrash), or rejected worker settings (ConfigurationError). Wrap
// decorates errors with component and operation context; KindOf and Details
// recover the classification on the far side.
package faults
