// Package engine wraps the opaque transcoding engine the worker process
// drives.
//
// Two implementations exist: Library links the Drapto Go library in-process
// and CLI shells out to a drapto-compatible binary that prints JSON progress
// lines. Both report progress and log lines through a Reporter and honour a
// Gate for pause/resume. Library pauses by holding Drapto's reporter
// callbacks; CLI stops the whole child process group with SIGSTOP.
package engine
