package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names a failure class. Kinds travel across the worker RPC boundary as
// plain strings.
type Kind string

const (
	KindNone              Kind = ""
	KindProtocolViolation Kind = "protocol_violation"
	KindTransportFault    Kind = "transport_fault"
	KindWorkerReported    Kind = "worker_reported"
	KindProcessCrash      Kind = "process_crash"
	KindConfiguration     Kind = "configuration"
	KindNotFound          Kind = "not_found"
	KindUnknown           Kind = "unknown"
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTransportFault    = errors.New("transport fault")
	ErrWorkerReported    = errors.New("worker reported error")
	ErrProcessCrash      = errors.New("worker process crash")
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
)

// Narrower conditions. Each still matches its class marker via errors.Is.
var (
	ErrInvalidState     = fmt.Errorf("%w: invalid state", ErrProtocolViolation)
	ErrJobAlreadyActive = fmt.Errorf("%w: job already active", ErrProtocolViolation)
	ErrDuplicateJob     = fmt.Errorf("%w: job already queued", ErrProtocolViolation)
	ErrInvalidJob       = fmt.Errorf("%w: invalid job", ErrProtocolViolation)
	ErrJobNotFound      = fmt.Errorf("%w: job", ErrNotFound)
	ErrDisconnected     = fmt.Errorf("%w: disconnected", ErrTransportFault)
	ErrPingTimeout      = fmt.Errorf("%w: ping timeout", ErrTransportFault)
)

var markers = []struct {
	kind   Kind
	marker error
}{
	{KindProtocolViolation, ErrProtocolViolation},
	{KindConfiguration, ErrConfiguration},
	{KindWorkerReported, ErrWorkerReported},
	{KindProcessCrash, ErrProcessCrash},
	{KindTransportFault, ErrTransportFault},
	{KindNotFound, ErrNotFound},
}

// Classifier lets an error declare its own kind.
type Classifier interface {
	FaultKind() Kind
}

// Wrap builds an error message that includes component context while tagging
// it with marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransportFault
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Marker returns the sentinel for kind, or nil when the kind is unknown.
func Marker(kind Kind) error {
	for _, m := range markers {
		if m.kind == kind {
			return m.marker
		}
	}
	return nil
}

// KindOf reports the classification of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var classifier Classifier
	if errors.As(err, &classifier) {
		if kind := classifier.FaultKind(); kind != KindNone {
			return kind
		}
	}
	for _, m := range markers {
		if errors.Is(err, m.marker) {
			return m.kind
		}
	}
	return KindUnknown
}

// Surfaces reports whether err goes straight back to the caller instead of
// being absorbed by crash recovery.
func Surfaces(err error) bool {
	switch KindOf(err) {
	case KindTransportFault, KindProcessCrash:
		return false
	case KindNone:
		return false
	default:
		return true
	}
}

// Retryable reports whether recovery may retry the job that produced err.
// Only process-level failures consume the crash retry budget.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransportFault, KindProcessCrash:
		return true
	default:
		return false
	}
}

// Detail is the structured view of a classified error used for logging.
type Detail struct {
	Kind    Kind
	Message string
	Cause   error
}

// Details extracts the classification and the innermost message of err.
func Details(err error) Detail {
	if err == nil {
		return Detail{}
	}
	d := Detail{Kind: KindOf(err), Message: strings.TrimSpace(err.Error())}
	cause := rootCause(err)
	if cause != err && Marker(KindOf(cause)) != cause {
		d.Cause = cause
	}
	return d
}

// rootCause follows the last wrapped error, which is where Wrap stores the
// underlying failure.
func rootCause(err error) error {
	cause := err
	for {
		switch u := cause.(type) {
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return cause
			}
			cause = errs[len(errs)-1]
		case interface{ Unwrap() error }:
			next := u.Unwrap()
			if next == nil {
				return cause
			}
			cause = next
		default:
			return cause
		}
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "worker failure"
	}
	return strings.Join(parts, ": ")
}
