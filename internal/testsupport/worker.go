package testsupport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"encodeq/internal/faults"
	"encodeq/internal/ipc"
	"encodeq/internal/protocol"
	"encodeq/internal/worker"
)

// PingMode scripts how a FakeConn answers pings.
type PingMode int32

const (
	PingOK PingMode = iota
	PingTimeout
	PingDisconnect
)

// SentCommand is one command a FakeConn received.
type SentCommand struct {
	Cmd  protocol.Command
	Args any
}

// FakeConn is an in-memory worker.Conn. Tests inject events with Emit and
// inspect commands with WaitForCommand.
type FakeConn struct {
	mu       sync.Mutex
	sent     []SentCommand
	notify   chan struct{}
	handlers []func(protocol.Event)
	faults   []ipc.FaultFunc
	seq      uint64

	events     chan protocol.Event
	disconnect chan struct{}
	dropOnce   sync.Once
	closed     chan struct{}
	closeOnce  sync.Once

	ping     atomic.Int32
	SetUpErr error
}

// NewFakeConn returns a connected fake.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		notify:     make(chan struct{}, 1),
		events:     make(chan protocol.Event, 256),
		disconnect: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (c *FakeConn) record(cmd protocol.Command, args any) {
	c.mu.Lock()
	c.sent = append(c.sent, SentCommand{Cmd: cmd, Args: args})
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *FakeConn) Call(ctx context.Context, cmd protocol.Command, args any) error {
	c.record(cmd, args)
	if cmd == protocol.CmdSetUp && c.SetUpErr != nil {
		return c.SetUpErr
	}
	select {
	case <-c.disconnect:
		return faults.ErrDisconnected
	default:
	}
	return nil
}

func (c *FakeConn) Send(cmd protocol.Command, args any) error {
	select {
	case <-c.disconnect:
		return faults.ErrDisconnected
	case <-c.closed:
		return faults.ErrDisconnected
	default:
	}
	c.record(cmd, args)
	return nil
}

func (c *FakeConn) Subscribe(handler func(protocol.Event)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

func (c *FakeConn) OnFault(fn ipc.FaultFunc) {
	c.mu.Lock()
	c.faults = append(c.faults, fn)
	c.mu.Unlock()
}

// Pump delivers emitted events in order until ctx ends, Close is called,
// or Disconnect is called.
func (c *FakeConn) Pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case <-c.disconnect:
			return faults.ErrDisconnected
		case evt := <-c.events:
			c.mu.Lock()
			handlers := slices.Clone(c.handlers)
			c.mu.Unlock()
			for _, h := range handlers {
				h(evt)
			}
		}
	}
}

func (c *FakeConn) Ping(ctx context.Context, timeout time.Duration) (protocol.PingReply, error) {
	switch PingMode(c.ping.Load()) {
	case PingTimeout:
		select {
		case <-ctx.Done():
			return protocol.PingReply{}, ctx.Err()
		case <-time.After(timeout):
		}
		return protocol.PingReply{}, fmt.Errorf("%w: no reply within %s", faults.ErrPingTimeout, timeout)
	case PingDisconnect:
		return protocol.PingReply{}, faults.ErrDisconnected
	default:
		return protocol.PingReply{PID: 1}, nil
	}
}

func (c *FakeConn) Suspect() bool { return false }

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// SetPing changes how subsequent pings are answered.
func (c *FakeConn) SetPing(mode PingMode) { c.ping.Store(int32(mode)) }

// Emit queues an event as if the worker published it.
func (c *FakeConn) Emit(evt protocol.Event) {
	c.mu.Lock()
	c.seq++
	evt.Seq = c.seq
	c.mu.Unlock()
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	c.events <- evt
}

// Disconnect simulates the transport dropping.
func (c *FakeConn) Disconnect() {
	c.dropOnce.Do(func() { close(c.disconnect) })
}

// Fault reports an asynchronous command failure to registered handlers.
func (c *FakeConn) Fault(cmd protocol.Command, err error) {
	c.mu.Lock()
	fns := append([]ipc.FaultFunc(nil), c.faults...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(cmd, err)
	}
}

// Commands returns every command received so far.
func (c *FakeConn) Commands() []SentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentCommand(nil), c.sent...)
}

// WaitForCommand blocks until cmd has been received n times (n >= 1) and
// returns the nth arguments.
func (c *FakeConn) WaitForCommand(t testing.TB, cmd protocol.Command, n int, timeout time.Duration) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		count := 0
		for _, s := range c.Commands() {
			if s.Cmd == cmd {
				count++
				if count == n {
					return s.Args
				}
			}
		}
		select {
		case <-c.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("command %s #%d not received within %s; got %v", cmd, n, timeout, c.Commands())
			return nil
		}
	}
}

// FakeProcess is an in-memory worker.Process.
type FakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	err        error
	signals    []unix.Signal
	IgnoreTerm bool
}

// NewFakeProcess returns a running fake process.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *FakeProcess) PID() int { return p.pid }

func (p *FakeProcess) Signal(sig unix.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.IgnoreTerm && sig == unix.SIGTERM
	p.mu.Unlock()
	if !ignore {
		p.Exit(errors.New("signal: " + unix.SignalName(sig)))
	}
	return nil
}

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Exit marks the process as exited with err.
func (p *FakeProcess) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Signals returns the signals delivered so far.
func (p *FakeProcess) Signals() []unix.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]unix.Signal(nil), p.signals...)
}

// FakeWorker is one launched fake.
type FakeWorker struct {
	Spec    worker.Spec
	Process *FakeProcess
	Conn    *FakeConn
}

// FakeLauncher hands out FakeWorkers and records every launch.
type FakeLauncher struct {
	mu       sync.Mutex
	workers  []*FakeWorker
	notify   chan struct{}
	nextPID  int
	LaunchFn func(w *FakeWorker) error
}

// NewFakeLauncher returns a launcher whose workers accept every command.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{notify: make(chan struct{}, 16), nextPID: 1000}
}

func (l *FakeLauncher) Launch(_ context.Context, spec worker.Spec) (worker.Process, worker.Conn, error) {
	l.mu.Lock()
	l.nextPID++
	w := &FakeWorker{Spec: spec, Process: NewFakeProcess(l.nextPID), Conn: NewFakeConn()}
	fn := l.LaunchFn
	l.mu.Unlock()
	if fn != nil {
		if err := fn(w); err != nil {
			return nil, nil, err
		}
	}
	l.mu.Lock()
	l.workers = append(l.workers, w)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return w.Process, w.Conn, nil
}

// Workers returns every worker launched so far.
func (l *FakeLauncher) Workers() []*FakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeWorker(nil), l.workers...)
}

// WaitForWorker blocks until at least n workers have launched and returns
// the nth (1-based).
func (l *FakeLauncher) WaitForWorker(t testing.TB, n int, timeout time.Duration) *FakeWorker {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if ws := l.Workers(); len(ws) >= n {
			return ws[n-1]
		}
		select {
		case <-l.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("worker #%d not launched within %s", n, timeout)
			return nil
		}
	}
}
