package faults_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"encodeq/internal/faults"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := faults.Wrap(faults.ErrTransportFault, "ipc", "send", "start_encode failed", base)
	if !errors.Is(err, faults.ErrTransportFault) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"ipc", "send", "start_encode failed", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{"nil", nil, faults.KindNone},
		{"invalid state", faults.ErrInvalidState, faults.KindProtocolViolation},
		{"already active", fmt.Errorf("reorder: %w", faults.ErrJobAlreadyActive), faults.KindProtocolViolation},
		{"ping timeout", faults.ErrPingTimeout, faults.KindTransportFault},
		{"configuration", faults.Wrap(faults.ErrConfiguration, "workerd", "setup", "bad temp dir", nil), faults.KindConfiguration},
		{"crash", faults.Wrap(faults.ErrProcessCrash, "worker", "wait", "exit status 3", nil), faults.KindProcessCrash},
		{"not found", faults.ErrJobNotFound, faults.KindNotFound},
		{"plain", errors.New("plain"), faults.KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := faults.KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

type classified struct{}

func (classified) Error() string { return "classified" }
func (classified) FaultKind() faults.Kind { return faults.KindWorkerReported }

func TestKindOfHonoursClassifier(t *testing.T) {
	err := fmt.Errorf("encode: %w", classified{})
	if got := faults.KindOf(err); got != faults.KindWorkerReported {
		t.Fatalf("expected classifier kind, got %q", got)
	}
}

func TestPropagationPolicy(t *testing.T) {
	if !faults.Surfaces(faults.ErrInvalidState) {
		t.Fatal("protocol violations must surface to the caller")
	}
	if !faults.Surfaces(faults.Wrap(faults.ErrConfiguration, "", "", "", nil)) {
		t.Fatal("configuration errors must surface to the caller")
	}
	if faults.Surfaces(faults.ErrDisconnected) {
		t.Fatal("transport faults are absorbed by recovery")
	}
	if !faults.Retryable(faults.Wrap(faults.ErrProcessCrash, "", "", "", nil)) {
		t.Fatal("process crashes consume the retry budget")
	}
	if faults.Retryable(faults.Wrap(faults.ErrWorkerReported, "", "", "", nil)) {
		t.Fatal("worker reported errors are never retried")
	}
}

func TestDetailsExposesCause(t *testing.T) {
	base := errors.New("socket closed")
	d := faults.Details(faults.Wrap(faults.ErrTransportFault, "ipc", "events", "", base))
	if d.Kind != faults.KindTransportFault {
		t.Fatalf("unexpected kind %q", d.Kind)
	}
	if d.Cause != base {
		t.Fatalf("expected cause %v, got %v", base, d.Cause)
	}
	if d := faults.Details(faults.ErrInvalidState); d.Cause != nil {
		t.Fatalf("expected no cause for bare marker, got %v", d.Cause)
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	for _, kind := range []faults.Kind{
		faults.KindProtocolViolation,
		faults.KindTransportFault,
		faults.KindWorkerReported,
		faults.KindProcessCrash,
		faults.KindConfiguration,
	} {
		marker := faults.Marker(kind)
		if marker == nil {
			t.Fatalf("no marker for %q", kind)
		}
		if got := faults.KindOf(marker); got != kind {
			t.Fatalf("marker for %q classified as %q", kind, got)
		}
	}
	if faults.Marker("bogus") != nil {
		t.Fatal("expected nil marker for unknown kind")
	}
}
