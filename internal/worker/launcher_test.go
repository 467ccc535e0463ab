package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"encodeq/internal/engine"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/worker"
	"encodeq/internal/workerd"
)

type helperEngine struct{}

func (helperEngine) Name() string { return "helper" }

func (helperEngine) Scan(_ context.Context, req protocol.ScanRequest, _ engine.Reporter) (protocol.ScanResult, error) {
	return protocol.ScanResult{Path: req.Path}, nil
}

func (helperEngine) Encode(_ context.Context, job protocol.Job, rep engine.Reporter, _ *engine.Gate) (protocol.EncodeResult, error) {
	rep.Progress(protocol.Progress{Pass: 2, PassCount: 3, Percent: 50})
	return protocol.EncodeResult{OutputPath: filepath.Join(job.DestinationPath, "out.mkv")}, nil
}

// TestHelperProcess runs a real worker runtime when invoked by
// TestExecLauncherRoundTrip.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("ENCODEQ_WORKER_HELPER") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	var socket string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--socket" {
			socket = args[i+1]
		}
	}
	rt := workerd.NewRuntime(workerd.Options{
		Engine:      func(protocol.SetUpRequest) (engine.Engine, error) { return helperEngine{}, nil },
		Logger:      logging.NewNop(),
		Renice:      func(int) error { return nil },
		MinTempFree: 1,
	})
	if err := workerd.Serve(context.Background(), rt, socket, logging.NewNop()); err != nil {
		os.Exit(3)
	}
	os.Exit(0)
}

func TestExecLauncherRoundTrip(t *testing.T) {
	dir := t.TempDir()
	launcher := &worker.ExecLauncher{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^TestHelperProcess$", "--"},
		Env:    []string{"ENCODEQ_WORKER_HELPER=1"},
		Logger: logging.NewNop(),
	}
	spec := worker.Spec{
		SessionID:  "roundtrip",
		SocketPath: filepath.Join(dir, "run", "w.sock"),
		LogPath:    filepath.Join(dir, "logs", "worker.log"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	proc, conn, err := launcher.Launch(ctx, spec)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { worker.Terminate(proc, time.Second) })

	events := newEventLog()
	h := worker.NewHandle(worker.NewSession(spec.SessionID, 0), proc, conn, logging.NewNop(), worker.Hooks{Event: events.hook})
	defer h.Close()
	go func() { _ = h.Pump(ctx) }()

	setup := protocol.SetUpRequest{
		SessionID:           spec.SessionID,
		Verbosity:           1,
		PreviewCount:        10,
		CPUThrottleFraction: 1,
		TempDir:             filepath.Join(dir, "tmp"),
	}
	if err := h.SetUp(ctx, setup); err != nil {
		t.Fatalf("SetUp: %v", err)
	}
	if err := h.Ping(ctx, time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := h.StartEncode(protocol.Job{ID: "j1", SourcePath: "/in.mkv", DestinationPath: dir}, 0, 0, ""); err != nil {
		t.Fatalf("StartEncode: %v", err)
	}
	got := events.wait(t, 2)
	last := got[len(got)-1]
	if last.Type != protocol.EventEncodeComplete || last.Result.OutputPath != filepath.Join(dir, "out.mkv") {
		t.Fatalf("unexpected final event %+v", last)
	}
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	if code := worker.ExitCode(h.ExitErr()); code != 0 {
		t.Fatalf("expected clean exit, got %d (%v)", code, h.ExitErr())
	}
}
