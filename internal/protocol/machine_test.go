package protocol_test

import (
	"errors"
	"testing"

	"encodeq/internal/faults"
	"encodeq/internal/protocol"
)

var allStates = []protocol.State{
	protocol.StateUnstarted, protocol.StateIdle, protocol.StateScanning, protocol.StateEncoding,
	protocol.StatePaused, protocol.StateStopping, protocol.StateCrashed, protocol.StateShutDown,
}

var allCommands = []protocol.Command{
	protocol.CmdSetUp, protocol.CmdStartScan, protocol.CmdStartEncode, protocol.CmdStartEncodeFromSerializedJob,
	protocol.CmdPause, protocol.CmdResume, protocol.CmdStop, protocol.CmdPing, protocol.CmdShutdown,
}

// machineIn drives a fresh machine into state using only legal moves.
func machineIn(t *testing.T, state protocol.State) *protocol.Machine {
	t.Helper()
	m := protocol.NewMachine()
	issue := func(cmds ...protocol.Command) {
		for _, cmd := range cmds {
			if _, err := m.Issue(cmd); err != nil {
				t.Fatalf("setup %s: %v", cmd, err)
			}
		}
	}
	switch state {
	case protocol.StateUnstarted:
	case protocol.StateIdle:
		issue(protocol.CmdSetUp)
	case protocol.StateScanning:
		issue(protocol.CmdSetUp, protocol.CmdStartScan)
	case protocol.StateEncoding:
		issue(protocol.CmdSetUp, protocol.CmdStartEncode)
	case protocol.StatePaused:
		issue(protocol.CmdSetUp, protocol.CmdStartEncode, protocol.CmdPause)
	case protocol.StateStopping:
		issue(protocol.CmdSetUp, protocol.CmdStartEncode, protocol.CmdStop)
	case protocol.StateCrashed:
		issue(protocol.CmdSetUp)
		m.ForceCrash("test")
	case protocol.StateShutDown:
		issue(protocol.CmdSetUp, protocol.CmdShutdown)
	}
	if got := m.State(); got != state {
		t.Fatalf("machineIn(%s) reached %s", state, got)
	}
	return m
}

func TestIllegalCommandsLeaveStateUnchanged(t *testing.T) {
	for _, state := range allStates {
		for _, cmd := range allCommands {
			m := machineIn(t, state)
			before := len(m.Audit())
			got, err := m.Issue(cmd)
			if protocol.Allowed(cmd, state) {
				if err != nil {
					t.Fatalf("%s from %s: unexpected error %v", cmd, state, err)
				}
				continue
			}
			if err == nil {
				t.Fatalf("%s from %s: expected error", cmd, state)
			}
			if !errors.Is(err, faults.ErrInvalidState) || faults.KindOf(err) != faults.KindProtocolViolation {
				t.Fatalf("%s from %s: expected invalid state protocol violation, got %v", cmd, state, err)
			}
			if got != state || m.State() != state {
				t.Fatalf("%s from %s: state moved to %s", cmd, state, m.State())
			}
			if len(m.Audit()) != before {
				t.Fatalf("%s from %s: audit grew on failure", cmd, state)
			}
		}
	}
}

func TestLegalTransitions(t *testing.T) {
	tests := []struct {
		from protocol.State
		cmd  protocol.Command
		want protocol.State
	}{
		{protocol.StateUnstarted, protocol.CmdSetUp, protocol.StateIdle},
		{protocol.StateIdle, protocol.CmdStartScan, protocol.StateScanning},
		{protocol.StateIdle, protocol.CmdStartEncode, protocol.StateEncoding},
		{protocol.StateIdle, protocol.CmdStartEncodeFromSerializedJob, protocol.StateEncoding},
		{protocol.StateEncoding, protocol.CmdPause, protocol.StatePaused},
		{protocol.StatePaused, protocol.CmdResume, protocol.StateEncoding},
		{protocol.StateScanning, protocol.CmdStop, protocol.StateStopping},
		{protocol.StatePaused, protocol.CmdStop, protocol.StateStopping},
		{protocol.StateEncoding, protocol.CmdPing, protocol.StateEncoding},
		{protocol.StateCrashed, protocol.CmdShutdown, protocol.StateShutDown},
	}
	for _, tc := range tests {
		m := machineIn(t, tc.from)
		got, err := m.Issue(tc.cmd)
		if err != nil {
			t.Fatalf("%s from %s: %v", tc.cmd, tc.from, err)
		}
		if got != tc.want {
			t.Fatalf("%s from %s: got %s want %s", tc.cmd, tc.from, got, tc.want)
		}
	}
}

func TestPauseWhileIdleIsProtocolViolation(t *testing.T) {
	m := machineIn(t, protocol.StateIdle)
	if _, err := m.Issue(protocol.CmdPause); faults.KindOf(err) != faults.KindProtocolViolation {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if m.State() != protocol.StateIdle {
		t.Fatalf("state = %s", m.State())
	}
}

func TestEventsForceOutcomeRegardlessOfPendingCommand(t *testing.T) {
	tests := []struct {
		name string
		from protocol.State
		evt  protocol.Event
		want protocol.State
	}{
		{"complete while paused", protocol.StatePaused, protocol.Event{Type: protocol.EventEncodeComplete, JobID: "j"}, protocol.StateIdle},
		{"complete while stopping", protocol.StateStopping, protocol.Event{Type: protocol.EventEncodeComplete, JobID: "j"}, protocol.StateIdle},
		{"stopped confirms stop", protocol.StateStopping, protocol.Event{Type: protocol.EventEncodeStopped}, protocol.StateIdle},
		{"scan complete", protocol.StateScanning, protocol.Event{Type: protocol.EventScanComplete}, protocol.StateIdle},
		{"fatal error", protocol.StateEncoding, protocol.Event{Type: protocol.EventEncodeError, Error: &protocol.ErrorInfo{Reason: "boom", Fatal: true}}, protocol.StateCrashed},
		{"non-fatal error", protocol.StatePaused, protocol.Event{Type: protocol.EventEncodeError, Error: &protocol.ErrorInfo{Reason: "bad input"}}, protocol.StateIdle},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := machineIn(t, tc.from)
			got, changed := m.Observe(tc.evt)
			if !changed || got != tc.want {
				t.Fatalf("got %s changed=%v, want %s", got, changed, tc.want)
			}
		})
	}
}

func TestProgressAndLogEventsDoNotTransition(t *testing.T) {
	m := machineIn(t, protocol.StateEncoding)
	for _, evt := range []protocol.Event{
		{Type: protocol.EventEncodeProgress, Progress: &protocol.Progress{Percent: 40}},
		{Type: protocol.EventLogMessage, Log: &protocol.LogLine{Level: "info", Text: "x"}},
	} {
		if _, changed := m.Observe(evt); changed {
			t.Fatalf("%s changed state", evt.Type)
		}
	}
	if m.State() != protocol.StateEncoding {
		t.Fatalf("state = %s", m.State())
	}
}

func TestEventsIgnoredAfterCrash(t *testing.T) {
	m := machineIn(t, protocol.StateCrashed)
	if _, changed := m.Observe(protocol.Event{Type: protocol.EventEncodeComplete, JobID: "j"}); changed {
		t.Fatal("crashed machine accepted completion")
	}
	if m.ForceCrash("again") {
		t.Fatal("ForceCrash on crashed machine reported a change")
	}
}

func TestAuditRecordsTransitions(t *testing.T) {
	m := machineIn(t, protocol.StatePaused)
	audit := m.Audit()
	if len(audit) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(audit))
	}
	last := audit[len(audit)-1]
	if last.From != protocol.StateEncoding || last.To != protocol.StatePaused || last.Cause != "command:Pause" {
		t.Fatalf("unexpected audit entry %+v", last)
	}
}

func TestRejectResyncsToWorkerState(t *testing.T) {
	m := machineIn(t, protocol.StatePaused)
	if state, moved := m.Reject(protocol.CmdPause, protocol.StateIdle); !moved || state != protocol.StateIdle {
		t.Fatalf("Reject(pause, idle) = %s moved=%v", state, moved)
	}

	m = machineIn(t, protocol.StateEncoding)
	if _, moved := m.Reject(protocol.CmdPause, protocol.StateIdle); moved {
		t.Fatal("reject must not move a machine that already left the command's target")
	}
	if _, moved := m.Reject(protocol.CmdStartEncode, protocol.StateCrashed); moved {
		t.Fatal("reject must not move to a dead state")
	}
	if _, moved := m.Reject(protocol.CmdPing, protocol.StateIdle); moved {
		t.Fatal("ping has no transition to undo")
	}
	if state, moved := m.Reject(protocol.CmdStartEncode, protocol.StateIdle); !moved || state != protocol.StateIdle {
		t.Fatalf("Reject(start, idle) = %s moved=%v", state, moved)
	}
	audit := m.Audit()
	if last := audit[len(audit)-1]; last.Cause != "rejected:StartEncode" || last.From != protocol.StateEncoding {
		t.Fatalf("unexpected audit entry %+v", last)
	}
}
