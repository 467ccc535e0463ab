package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"encodeq/internal/faults"
)

// ServiceName is the RPC service a worker registers.
const ServiceName = "Worker"

// Method returns the fully qualified RPC method for cmd.
func Method(cmd Command) string {
	return ServiceName + "." + string(cmd)
}

// MethodEvents is the long-poll event fetch.
const MethodEvents = ServiceName + ".Events"

// SetUpRequest carries the fixed startup parameters for a worker process.
type SetUpRequest struct {
	SessionID               string  `json:"session_id"`
	Verbosity               int     `json:"verbosity"`
	PreviewCount            int     `json:"preview_count"`
	UseDVDNav               bool    `json:"use_dvdnav"`
	MinTitleDurationSeconds int     `json:"min_title_duration_seconds"`
	CPUThrottleFraction     float64 `json:"cpu_throttle_fraction"`
	TempDir                 string  `json:"temp_dir"`
}

// Validate reports configuration errors. They are fatal to the worker
// instance and never retried.
func (r SetUpRequest) Validate() error {
	var problems []string
	if r.Verbosity < 0 {
		problems = append(problems, "verbosity must be non-negative")
	}
	if r.PreviewCount < 1 {
		problems = append(problems, "preview count must be positive")
	}
	if r.MinTitleDurationSeconds < 0 {
		problems = append(problems, "min title duration must be non-negative")
	}
	if r.CPUThrottleFraction <= 0 || r.CPUThrottleFraction > 1 {
		problems = append(problems, fmt.Sprintf("cpu throttle fraction %v outside (0, 1]", r.CPUThrottleFraction))
	}
	if strings.TrimSpace(r.TempDir) == "" {
		problems = append(problems, "temp dir is required")
	}
	if len(problems) == 0 {
		return nil
	}
	return faults.Wrap(faults.ErrConfiguration, "worker", "setup", strings.Join(problems, "; "), nil)
}

// ScanRequest asks the worker to enumerate titles in Path. Title 0 scans all.
type ScanRequest struct {
	Path  string `json:"path"`
	Title int    `json:"title,omitempty"`
}

// EncodeRequest starts an encode of Job.
type EncodeRequest struct {
	Job               Job    `json:"job"`
	PreviewNumber     int    `json:"preview_number"`
	PreviewSeconds    int    `json:"preview_seconds"`
	ChapterNameFormat string `json:"chapter_name_format"`
}

// Resolved returns the job with the request-level preview and chapter
// parameters applied.
func (r EncodeRequest) Resolved() Job {
	job := r.Job
	job.PreviewNumber = r.PreviewNumber
	job.PreviewSeconds = r.PreviewSeconds
	if r.ChapterNameFormat != "" {
		job.ChapterNameFormat = r.ChapterNameFormat
	}
	return job
}

// SerializedEncodeRequest starts an encode from a persisted job payload.
type SerializedEncodeRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// Empty is the argument for commands without parameters.
type Empty struct{}

// PingReply is the liveness echo.
type PingReply struct {
	PID          int   `json:"pid"`
	UptimeMillis int64 `json:"uptime_ms"`
	State        State `json:"state"`
}

// Ack is the reply to every command. A non-empty Kind carries a classified
// failure across the process boundary; Code narrows it to a specific sentinel.
type Ack struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	State   State  `json:"state,omitempty"`
}

var ackCodes = map[string]error{
	"invalid_state":      faults.ErrInvalidState,
	"job_already_active": faults.ErrJobAlreadyActive,
	"duplicate_job":      faults.ErrDuplicateJob,
	"invalid_job":        faults.ErrInvalidJob,
	"job_not_found":      faults.ErrJobNotFound,
}

// AckFromError converts err into an Ack.
func AckFromError(err error, state State) Ack {
	if err == nil {
		return Ack{State: state}
	}
	kind := faults.KindOf(err)
	if kind == faults.KindUnknown {
		kind = faults.KindWorkerReported
	}
	ack := Ack{Kind: string(kind), Message: err.Error(), State: state}
	for code, sentinel := range ackCodes {
		if errors.Is(err, sentinel) {
			ack.Code = code
			break
		}
	}
	return ack
}

// Err rebuilds the classified error carried by the ack. When the ack names
// the worker's state the error is a *RejectedError.
func (a Ack) Err() error {
	if a.Kind == "" {
		return nil
	}
	marker := ackCodes[a.Code]
	if marker == nil {
		marker = faults.Marker(faults.Kind(a.Kind))
	}
	if marker == nil {
		marker = faults.ErrWorkerReported
	}
	err := fmt.Errorf("%w: %s", marker, a.Message)
	if a.State == "" {
		return err
	}
	return &RejectedError{State: a.State, err: err}
}

// RejectedError is a command the worker refused, with the state the worker
// was in when it refused.
type RejectedError struct {
	State State
	err   error
}

func (e *RejectedError) Error() string { return e.err.Error() }

func (e *RejectedError) Unwrap() error { return e.err }

// WorkerState returns the worker state carried by a rejection in err's
// chain.
func WorkerState(err error) (State, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.State != "" {
		return rejected.State, true
	}
	return "", false
}

// EventsRequest fetches events with Seq > After, waiting up to WaitMillis
// when none are buffered.
type EventsRequest struct {
	After      uint64 `json:"after"`
	Limit      int    `json:"limit,omitempty"`
	WaitMillis int    `json:"wait_ms,omitempty"`
}

// EventsReply returns a batch of events. First is the oldest sequence still
// buffered so callers can detect loss.
type EventsReply struct {
	Events []Event `json:"events"`
	Next   uint64  `json:"next"`
	First  uint64  `json:"first"`
}
