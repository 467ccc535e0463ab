package engine

import (
	"context"
	"fmt"
	"strings"

	"encodeq/internal/faults"
	"encodeq/internal/protocol"
)

// Reporter receives engine output. Implementations must be safe for use
// from the engine's goroutines.
type Reporter interface {
	Progress(p protocol.Progress)
	Log(level, text string)
}

// Engine runs scans and encodes for one worker process.
type Engine interface {
	Name() string
	Scan(ctx context.Context, req protocol.ScanRequest, rep Reporter) (protocol.ScanResult, error)
	Encode(ctx context.Context, job protocol.Job, rep Reporter, gate *Gate) (protocol.EncodeResult, error)
}

// Options configures engine construction.
type Options struct {
	Binary           string
	ProbeBinary      string
	TempDir          string
	MinTitleDuration float64
}

// Kinds accepted by New.
const (
	KindLibrary = "library"
	KindCLI     = "cli"
)

// New builds the engine named by kind.
func New(kind string, opts Options) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindLibrary:
		return NewLibrary(opts), nil
	case KindCLI:
		return NewCLI(opts), nil
	default:
		return nil, faults.Wrap(faults.ErrConfiguration, "engine", "new", fmt.Sprintf("unknown engine %q", kind), nil)
	}
}

// ReporterFunc adapts plain functions to Reporter.
type ReporterFunc struct {
	OnProgress func(protocol.Progress)
	OnLog      func(level, text string)
}

func (r ReporterFunc) Progress(p protocol.Progress) {
	if r.OnProgress != nil {
		r.OnProgress(p)
	}
}

func (r ReporterFunc) Log(level, text string) {
	if r.OnLog != nil {
		r.OnLog(level, text)
	}
}

func nopReporter(rep Reporter) Reporter {
	if rep == nil {
		return ReporterFunc{}
	}
	return rep
}

// engineFailure marks an engine error as worker-reported so it surfaces as a
// per-job failure.
func engineFailure(op string, err error) error {
	return faults.Wrap(faults.ErrWorkerReported, "engine", op, "", err)
}
