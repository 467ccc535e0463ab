package protocol

import (
	"fmt"
	"math"
	"strings"
	"time"

	"encodeq/internal/faults"
)

// EventType names a worker-emitted event.
type EventType string

const (
	EventScanProgress   EventType = "scan_progress"
	EventScanComplete   EventType = "scan_complete"
	EventEncodeProgress EventType = "encode_progress"
	EventEncodeComplete EventType = "encode_complete"
	EventEncodeStopped  EventType = "encode_stopped"
	EventEncodeError    EventType = "encode_error"
	EventLogMessage     EventType = "log_message"
)

// Event is one entry in a worker's sequenced event stream.
type Event struct {
	Seq      uint64        `json:"seq"`
	Type     EventType     `json:"type"`
	JobID    string        `json:"job_id,omitempty"`
	Time     time.Time     `json:"ts"`
	Progress *Progress     `json:"progress,omitempty"`
	Scan     *ScanResult   `json:"scan,omitempty"`
	Result   *EncodeResult `json:"result,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Log      *LogLine      `json:"log,omitempty"`
}

// Progress is informational only; it never mutates the job.
type Progress struct {
	Percent    float64 `json:"percent"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
	Pass       int     `json:"pass,omitempty"`
	PassCount  int     `json:"pass_count,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
}

// ETA returns the estimate as a duration.
func (p Progress) ETA() time.Duration {
	return time.Duration(p.ETASeconds * float64(time.Second))
}

// ScanResult carries discovered titles or the reason the scan failed.
type ScanResult struct {
	Path   string  `json:"path"`
	Titles []Title `json:"titles,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Title is one playable title found by a scan.
type Title struct {
	Index           int     `json:"index"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Height          int     `json:"height,omitempty"`
	Crop            string  `json:"crop,omitempty"`
	HDR             bool    `json:"hdr,omitempty"`
}

// EncodeResult summarizes a finished encode.
type EncodeResult struct {
	OutputPath     string  `json:"output_path"`
	OriginalBytes  uint64  `json:"original_bytes,omitempty"`
	EncodedBytes   uint64  `json:"encoded_bytes,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
	Preview        bool    `json:"preview,omitempty"`
}

// ErrorInfo describes a worker-reported failure. Fatal errors leave the
// worker unusable.
type ErrorInfo struct {
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal"`
}

// LogLine is a worker log message relayed to the controller.
type LogLine struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Terminal reports whether the event ends the current activity.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventScanComplete, EventEncodeComplete, EventEncodeStopped, EventEncodeError:
		return true
	default:
		return false
	}
}

// Validate rejects malformed events. The transport drops them and marks the
// connection suspect.
func (e Event) Validate() error {
	malformed := func(format string, args ...any) error {
		return faults.Wrap(faults.ErrProtocolViolation, "protocol", "event", fmt.Sprintf(format, args...), nil)
	}
	if e.Seq == 0 {
		return malformed("missing sequence number")
	}
	switch e.Type {
	case EventScanProgress, EventEncodeProgress:
		if e.Progress == nil {
			return malformed("%s without progress payload", e.Type)
		}
		if math.IsNaN(e.Progress.Percent) || e.Progress.Percent < 0 || e.Progress.Percent > 100 {
			return malformed("progress percent %v out of range", e.Progress.Percent)
		}
	case EventScanComplete:
		if e.Scan == nil {
			return malformed("scan_complete without scan payload")
		}
	case EventEncodeComplete:
		if e.Result == nil {
			return malformed("encode_complete without result")
		}
	case EventEncodeError:
		if e.Error == nil || strings.TrimSpace(e.Error.Reason) == "" {
			return malformed("encode_error without reason")
		}
	case EventLogMessage:
		if e.Log == nil {
			return malformed("log_message without log payload")
		}
	case EventEncodeStopped:
	default:
		return malformed("unknown event type %q", e.Type)
	}
	if (e.Type == EventEncodeProgress || e.Type == EventEncodeComplete) && e.JobID == "" {
		return malformed("%s missing job id", e.Type)
	}
	return nil
}
