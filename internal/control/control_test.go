package control_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"encodeq/internal/control"
	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/queue"
	"encodeq/internal/supervisor"
	"encodeq/internal/worker"
)

type fakeBackend struct {
	mu      sync.Mutex
	sched   *queue.Scheduler
	paused  []string
	scanned []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sched: queue.NewScheduler()}
}

func (b *fakeBackend) Enqueue(job protocol.Job) (queue.Entry, error) { return b.sched.Enqueue(job) }

func (b *fakeBackend) Remove(id string) (queue.Entry, error) { return b.sched.Remove(id) }

func (b *fakeBackend) Move(id string, pos int) error { return b.sched.Reorder(id, pos) }

func (b *fakeBackend) Pause(_ context.Context, id string) error {
	if _, ok := b.running(id); !ok {
		return faults.Wrap(faults.ErrJobNotFound, "test", "pause", id, nil)
	}
	b.mu.Lock()
	b.paused = append(b.paused, id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Resume(context.Context, string) error {
	return faults.Wrap(faults.ErrInvalidState, "test", "resume", "not paused", nil)
}

func (b *fakeBackend) Stop(context.Context, string) error { return nil }

func (b *fakeBackend) Scan(_ context.Context, path string) (protocol.ScanResult, error) {
	b.mu.Lock()
	b.scanned = append(b.scanned, path)
	b.mu.Unlock()
	return protocol.ScanResult{Path: path, Titles: []protocol.Title{{Index: 1}, {Index: 2}}}, nil
}

func (b *fakeBackend) Status(context.Context) (supervisor.Status, error) {
	st := supervisor.Status{
		Running: true,
		Queue:   b.sched.Stats(),
		Pending: b.sched.Pending(),
		Active:  b.sched.Active(),
	}
	slot := supervisor.SlotStatus{Index: 0}
	if active := b.sched.Active(); len(active) > 0 {
		slot.Session = &worker.Snapshot{ID: "s1", State: protocol.StateEncoding, JobID: active[0].ID()}
	} else {
		slot.Session = &worker.Snapshot{ID: "s1", State: protocol.StateIdle}
	}
	st.Slots = []supervisor.SlotStatus{slot}
	return st, nil
}

func (b *fakeBackend) running(id string) (queue.Entry, bool) {
	for _, e := range b.sched.Active() {
		if e.ID() == id {
			return e, true
		}
	}
	return queue.Entry{}, false
}

func startServer(t *testing.T, backend control.Backend) *control.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := filepath.Join(t.TempDir(), "encodeq.sock")
	srv, err := control.NewServer(ctx, socket, backend, control.Info{PID: 4242, LockPath: "/tmp/encodeq.lock"}, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping control server test: %v", err)
		}
		t.Fatalf("control.NewServer: %v", err)
	}
	srv.Serve(ctx)
	t.Cleanup(func() {
		srv.Close()
		srv.Wait()
	})

	dialCtx, dialCancel := context.WithTimeout(ctx, 2*time.Second)
	defer dialCancel()
	client, err := control.Dial(dialCtx, socket)
	if err != nil {
		t.Fatalf("control.Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func job(id string) protocol.Job {
	return protocol.Job{ID: id, SourcePath: "/media/" + id + ".mkv", DestinationPath: "/out", Title: 1}
}

func TestControlQueueRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	client := startServer(t, backend)
	ctx := context.Background()

	for _, id := range []string{"J1", "J2", "J3"} {
		item, err := client.Enqueue(ctx, job(id))
		if err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
		if item.ID != id || item.Status != "queued" {
			t.Fatalf("enqueued item = %+v", item)
		}
	}
	if _, err := client.Enqueue(ctx, job("J1")); !errors.Is(err, faults.ErrDuplicateJob) {
		t.Fatalf("duplicate Enqueue = %v, want DuplicateJob", err)
	}

	if err := client.Move(ctx, "J3", 0); err != nil {
		t.Fatalf("Move: %v", err)
	}
	removed, err := client.Remove(ctx, "J2")
	if err != nil || removed.ID != "J2" {
		t.Fatalf("Remove = %+v, %v", removed, err)
	}
	if _, err := client.Remove(ctx, "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("Remove missing = %v, want NotFound", err)
	}

	items, err := client.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 || items[0].ID != "J3" || items[1].ID != "J1" {
		t.Fatalf("items = %+v, want J3 then J1", items)
	}
	if items[0].Position != 0 || items[1].Position != 1 {
		t.Fatalf("positions = %d,%d", items[0].Position, items[1].Position)
	}
}

func TestControlJobCommandsCarryFaults(t *testing.T) {
	backend := newFakeBackend()
	client := startServer(t, backend)
	ctx := context.Background()

	if _, err := client.Enqueue(ctx, job("J1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := client.Pause(ctx, "J1"); !errors.Is(err, faults.ErrJobNotFound) {
		t.Fatalf("Pause queued job = %v, want JobNotFound", err)
	}
	backend.sched.Advance("s1")
	if err := client.Pause(ctx, "J1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	err := client.Resume(ctx, "J1")
	if !errors.Is(err, faults.ErrInvalidState) || !errors.Is(err, faults.ErrProtocolViolation) {
		t.Fatalf("Resume = %v, want InvalidState", err)
	}
	if err := client.Stop(ctx, "J1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	items, err := client.List(ctx, "active")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Slot != 0 {
		t.Fatalf("active items = %+v", items)
	}
}

func TestControlScanAndStatus(t *testing.T) {
	backend := newFakeBackend()
	client := startServer(t, backend)
	ctx := context.Background()

	res, err := client.Scan(ctx, "/media/disc")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Titles) != 2 || res.Path != "/media/disc" {
		t.Fatalf("scan = %+v", res)
	}

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.PID != 4242 || st.LockFilePath != "/tmp/encodeq.lock" {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Workers) != 1 || st.Workers[0].State != "idle" {
		t.Fatalf("workers = %+v", st.Workers)
	}
}

func TestDialWithoutDaemon(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := control.Dial(ctx, filepath.Join(t.TempDir(), "missing.sock"))
	if !errors.Is(err, faults.ErrTransportFault) {
		t.Fatalf("Dial = %v, want TransportFault", err)
	}
}
