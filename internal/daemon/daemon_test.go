package daemon_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"encodeq/internal/control"
	"encodeq/internal/daemon"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/testsupport"
)

const waitTimeout = 3 * time.Second

type running struct {
	d      *daemon.Daemon
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, d *daemon.Daemon) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-r.done:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(waitTimeout):
		cancel()
		t.Fatal("daemon not ready")
	}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("daemon Run: %v", err)
		}
		r.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonServesControlAndReclaimsActiveJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	launcher := testsupport.NewFakeLauncher()
	d, err := daemon.New(cfg, logging.NewNop(), launcher)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	first := startDaemon(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	client, err := control.Dial(ctx, cfg.ControlSocketPath())
	if err != nil {
		t.Fatalf("control.Dial: %v", err)
	}
	if _, err := client.Enqueue(ctx, testsupport.NewJob(cfg, "J1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	w := launcher.WaitForWorker(t, 1, waitTimeout)
	w.Conn.WaitForCommand(t, protocol.CmdStartEncode, 1, waitTimeout)

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.QueueStats["active"] != 1 || st.LockFilePath != cfg.LockPath() {
		t.Fatalf("status = %+v", st)
	}
	client.Close()
	first.stop(t)

	relaunch := testsupport.NewFakeLauncher()
	d2, err := daemon.New(cfg, logging.NewNop(), relaunch)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	startDaemon(t, d2)
	w2 := relaunch.WaitForWorker(t, 1, waitTimeout)
	args := w2.Conn.WaitForCommand(t, protocol.CmdStartEncodeFromSerializedJob, 1, waitTimeout)
	req, ok := args.(protocol.SerializedEncodeRequest)
	if !ok {
		t.Fatalf("args = %T", args)
	}
	job, err := protocol.ParseJob(req.Payload)
	if err != nil || job.ID != "J1" {
		t.Fatalf("reclaimed payload = %s (%v)", req.Payload, err)
	}
	if entry, ok := d2.Supervisor().Scheduler().Get("J1"); !ok || entry.RetryCount != 0 {
		t.Fatalf("reclaimed entry = %+v", entry)
	}
}

func TestDaemonSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop(), testsupport.NewFakeLauncher())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	startDaemon(t, d)

	other, err := daemon.New(cfg, logging.NewNop(), testsupport.NewFakeLauncher())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := other.Run(ctx); !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
}
