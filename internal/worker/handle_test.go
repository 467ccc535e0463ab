package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/testsupport"
	"encodeq/internal/worker"
)

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
	seen   chan struct{}
}

func newEventLog() *eventLog { return &eventLog{seen: make(chan struct{}, 64)} }

func (l *eventLog) hook(_ *worker.Handle, evt protocol.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	l.seen <- struct{}{}
}

func (l *eventLog) wait(t *testing.T, n int) []protocol.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		l.mu.Lock()
		if len(l.events) >= n {
			out := append([]protocol.Event(nil), l.events...)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		select {
		case <-l.seen:
		case <-deadline:
			t.Fatalf("expected %d events", n)
		}
	}
}

func newHandle(t *testing.T, hooks worker.Hooks) (*worker.Handle, *testsupport.FakeConn, *testsupport.FakeProcess) {
	t.Helper()
	conn := testsupport.NewFakeConn()
	proc := testsupport.NewFakeProcess(4242)
	h := worker.NewHandle(worker.NewSession("session-1", 0), proc, conn, logging.NewNop(), hooks)
	if err := h.SetUp(context.Background(), protocol.SetUpRequest{SessionID: "session-1"}); err != nil {
		t.Fatalf("SetUp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.Pump(ctx) }()
	return h, conn, proc
}

func testJob(id string) protocol.Job {
	return protocol.Job{ID: id, SourcePath: "/in.mkv", DestinationPath: "/out"}
}

func TestCommandsOutsidePreconditionsLeaveStateUnchanged(t *testing.T) {
	h, conn, _ := newHandle(t, worker.Hooks{})
	checks := []struct {
		name string
		run  func() error
	}{
		{"pause", h.Pause},
		{"resume", h.Resume},
		{"stop", h.Stop},
		{"setup", func() error { return h.SetUp(context.Background(), protocol.SetUpRequest{}) }},
	}
	for _, tc := range checks {
		err := tc.run()
		if !errors.Is(err, faults.ErrInvalidState) || !errors.Is(err, faults.ErrProtocolViolation) {
			t.Fatalf("%s: expected invalid state protocol violation, got %v", tc.name, err)
		}
		if h.Session().State() != protocol.StateIdle {
			t.Fatalf("%s: state changed to %s", tc.name, h.Session().State())
		}
	}
	if got := len(conn.Commands()); got != 1 {
		t.Fatalf("rejected commands must not reach the worker; sent %d", got)
	}
}

func TestEncodeLifecycle(t *testing.T) {
	events := newEventLog()
	h, conn, _ := newHandle(t, worker.Hooks{Event: events.hook})

	if err := h.StartEncode(testJob("j1"), 2, 30, "Part {0}"); err != nil {
		t.Fatalf("StartEncode: %v", err)
	}
	args := conn.WaitForCommand(t, protocol.CmdStartEncode, 1, time.Second).(protocol.EncodeRequest)
	if args.PreviewNumber != 2 || args.PreviewSeconds != 30 || args.ChapterNameFormat != "Part {0}" {
		t.Fatalf("unexpected encode request %+v", args)
	}
	if err := h.StartScan("/other"); !errors.Is(err, faults.ErrInvalidState) {
		t.Fatalf("scan while encoding should fail, got %v", err)
	}
	if err := h.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.Session().State() != protocol.StateEncoding {
		t.Fatalf("expected encoding after resume, got %s", h.Session().State())
	}

	conn.Emit(protocol.Event{Type: protocol.EventEncodeProgress, JobID: "j1", Progress: &protocol.Progress{Pass: 2, Percent: 40}})
	conn.Emit(protocol.Event{Type: protocol.EventEncodeProgress, JobID: "j1", Progress: &protocol.Progress{Pass: 2, Percent: 35}})
	conn.Emit(protocol.Event{Type: protocol.EventEncodeProgress, JobID: "j1", Progress: &protocol.Progress{Pass: 3, Percent: 5}})
	conn.Emit(protocol.Event{Type: protocol.EventEncodeComplete, JobID: "j1", Result: &protocol.EncodeResult{OutputPath: "/out/in.mkv"}})

	got := events.wait(t, 3)
	if got[0].Progress.Percent != 40 || got[1].Progress.Pass != 3 {
		t.Fatalf("regressed progress must be dropped, got %+v %+v", got[0].Progress, got[1].Progress)
	}
	if got[2].Type != protocol.EventEncodeComplete {
		t.Fatalf("expected completion, got %s", got[2].Type)
	}
	if h.Session().State() != protocol.StateIdle {
		t.Fatalf("expected idle, got %s", h.Session().State())
	}
	if _, ok := h.Session().Job(); ok {
		t.Fatal("job should be detached after completion")
	}
	if hist := h.Session().History(); len(hist) != 1 || hist[0].Text != "/out/in.mkv" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestFatalErrorCrashesSession(t *testing.T) {
	events := newEventLog()
	h, conn, _ := newHandle(t, worker.Hooks{Event: events.hook})
	if err := h.StartEncode(testJob("j1"), 0, 0, ""); err != nil {
		t.Fatalf("StartEncode: %v", err)
	}
	conn.Emit(protocol.Event{Type: protocol.EventEncodeError, JobID: "j1", Error: &protocol.ErrorInfo{Reason: "segfault", Fatal: true}})
	events.wait(t, 1)
	if h.Session().State() != protocol.StateCrashed {
		t.Fatalf("expected crashed, got %s", h.Session().State())
	}
	if err := h.Ping(context.Background(), time.Second); !errors.Is(err, faults.ErrInvalidState) {
		t.Fatalf("ping on crashed session should be rejected, got %v", err)
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown from crashed: %v", err)
	}
	if h.Session().State() != protocol.StateShutDown {
		t.Fatalf("expected shut down, got %s", h.Session().State())
	}
}

func TestStopMarksSessionStopping(t *testing.T) {
	events := newEventLog()
	h, conn, _ := newHandle(t, worker.Hooks{Event: events.hook})
	if err := h.StartEncode(testJob("j1"), 0, 0, ""); err != nil {
		t.Fatalf("StartEncode: %v", err)
	}
	if err := h.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !h.Session().Stopping() || h.Session().State() != protocol.StateStopping {
		t.Fatalf("expected stopping, got %s", h.Session().State())
	}
	conn.Emit(protocol.Event{Type: protocol.EventEncodeStopped, JobID: "j1"})
	events.wait(t, 1)
	if h.Session().State() != protocol.StateIdle || h.Session().Stopping() {
		t.Fatalf("expected idle after confirmation, got %s", h.Session().State())
	}
}

func TestPingRecordsHeartbeat(t *testing.T) {
	h, conn, _ := newHandle(t, worker.Hooks{})
	if err := h.Ping(context.Background(), time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if h.Session().LastHeartbeat().IsZero() {
		t.Fatal("expected heartbeat timestamp")
	}
	conn.SetPing(testsupport.PingTimeout)
	if err := h.Ping(context.Background(), 5*time.Millisecond); !errors.Is(err, faults.ErrPingTimeout) {
		t.Fatalf("expected ping timeout, got %v", err)
	}
}

func TestFaultHookReceivesAsyncFailures(t *testing.T) {
	var got error
	_, conn, _ := newHandle(t, worker.Hooks{Fault: func(_ *worker.Handle, _ protocol.Command, err error) { got = err }})
	conn.Fault(protocol.CmdPause, faults.ErrInvalidState)
	if !errors.Is(got, faults.ErrInvalidState) {
		t.Fatalf("expected fault to reach hook, got %v", got)
	}
}

func TestTerminateEscalates(t *testing.T) {
	proc := testsupport.NewFakeProcess(1)
	proc.IgnoreTerm = true
	if forced := worker.Terminate(proc, 10*time.Millisecond); !forced {
		t.Fatal("expected SIGKILL escalation")
	}
	sigs := proc.Signals()
	if len(sigs) != 2 || sigs[0] != unix.SIGTERM || sigs[1] != unix.SIGKILL {
		t.Fatalf("unexpected signals %v", sigs)
	}

	polite := testsupport.NewFakeProcess(2)
	if forced := worker.Terminate(polite, time.Second); forced {
		t.Fatal("SIGTERM should have been enough")
	}
}

func TestRejectionResyncsSession(t *testing.T) {
	h, conn, _ := newHandle(t, worker.Hooks{})
	if err := h.StartEncode(testJob("j1"), 0, 0, ""); err != nil {
		t.Fatalf("StartEncode: %v", err)
	}
	if err := h.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	conn.Fault(protocol.CmdPause, protocol.AckFromError(faults.ErrInvalidState, protocol.StateIdle).Err())
	if h.Session().State() != protocol.StateIdle {
		t.Fatalf("expected idle after stale pause, got %s", h.Session().State())
	}
	if _, ok := h.Session().Job(); !ok {
		t.Fatal("job stays attached until its terminal event")
	}

	h2, conn2, _ := newHandle(t, worker.Hooks{})
	if err := h2.StartEncode(testJob("j2"), 0, 0, ""); err != nil {
		t.Fatalf("StartEncode: %v", err)
	}
	rejected := faults.Wrap(faults.ErrInvalidJob, "workerd", "j2", "preview 9 exceeds preview count 3", nil)
	conn2.Fault(protocol.CmdStartEncode, protocol.AckFromError(rejected, protocol.StateIdle).Err())
	if h2.Session().State() != protocol.StateIdle {
		t.Fatalf("expected idle after rejected start, got %s", h2.Session().State())
	}
	if _, ok := h2.Session().Job(); ok {
		t.Fatal("rejected job should be detached")
	}
}

func TestScanResetsProgress(t *testing.T) {
	events := newEventLog()
	h, conn, _ := newHandle(t, worker.Hooks{Event: events.hook})
	if err := h.StartEncode(testJob("j1"), 0, 0, ""); err != nil {
		t.Fatalf("StartEncode: %v", err)
	}
	conn.Emit(protocol.Event{Type: protocol.EventEncodeProgress, JobID: "j1", Progress: &protocol.Progress{Pass: 3, Percent: 90}})
	conn.Emit(protocol.Event{Type: protocol.EventEncodeComplete, JobID: "j1"})
	events.wait(t, 2)

	if err := h.StartScan("/media/disc"); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	conn.Emit(protocol.Event{Type: protocol.EventScanProgress, Progress: &protocol.Progress{Pass: 1, Percent: 10}})
	got := events.wait(t, 3)
	if got[2].Type != protocol.EventScanProgress {
		t.Fatalf("scan progress dropped, got %s", got[2].Type)
	}
	if p, ok := h.Session().Progress(); !ok || p.Pass != 1 || p.Percent != 10 {
		t.Fatalf("session progress = %+v", p)
	}
}
