package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"encodeq/internal/faults"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
)

// Options tunes a worker connection. Zero values take defaults.
type Options struct {
	DialTimeout  time.Duration
	CallTimeout  time.Duration
	PollWait     time.Duration
	BatchLimit   int
	OutboxSize   int
	Backoff      Backoff
	DialAttempts int
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 2 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.PollWait <= 0 {
		o.PollWait = time.Second
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 128
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 32
	}
	if o.Backoff == nil {
		o.Backoff = Exponential{Initial: 25 * time.Millisecond, Max: time.Second}
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

// FaultFunc receives asynchronous command failures.
type FaultFunc func(cmd protocol.Command, err error)

type outbound struct {
	cmd  protocol.Command
	args any
}

// Client is the controller side of a worker connection.
type Client struct {
	path   string
	opts   Options
	logger *slog.Logger
	conn   net.Conn
	rpc    *rpc.Client

	outbox chan outbound
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers []func(protocol.Event)
	onFault  []FaultFunc

	lastSeq atomic.Uint64
	suspect atomic.Bool
}

// Dial connects to the worker socket at path, retrying while the worker is
// still starting up.
func Dial(ctx context.Context, path string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	conn, err := DialUnix(ctx, path, opts.DialTimeout, opts.Backoff, opts.DialAttempts)
	if err != nil {
		return nil, err
	}
	c := &Client{
		path:   path,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "ipc-client"),
		conn:   conn,
		rpc:    rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn)),
		outbox: make(chan outbound, opts.OutboxSize),
		closed: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sendLoop()
	return c, nil
}

// Call issues cmd synchronously and returns the worker's verdict.
func (c *Client) Call(ctx context.Context, cmd protocol.Command, args any) error {
	ack := new(protocol.Ack)
	if err := CallContext(ctx, c.rpc, protocol.Method(cmd), args, ack); err != nil {
		return err
	}
	return ack.Err()
}

// Send queues cmd for ordered delivery and returns immediately. Delivery
// failures are reported to OnFault handlers.
func (c *Client) Send(cmd protocol.Command, args any) error {
	select {
	case <-c.closed:
		return faults.Wrap(faults.ErrDisconnected, "ipc", protocol.Method(cmd), "client closed", nil)
	default:
	}
	select {
	case c.outbox <- outbound{cmd: cmd, args: args}:
		return nil
	default:
		return faults.Wrap(faults.ErrTransportFault, "ipc", protocol.Method(cmd), "outbox full", nil)
	}
}

// Subscribe registers handler for every inbound event. Handlers run on the
// pump goroutine in emission order and must not block for long.
func (c *Client) Subscribe(handler func(protocol.Event)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// OnFault registers fn for asynchronous command failures.
func (c *Client) OnFault(fn FaultFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onFault = append(c.onFault, fn)
	c.mu.Unlock()
}

// Suspect reports whether malformed or lost events were observed.
func (c *Client) Suspect() bool {
	return c.suspect.Load()
}

// LastSequence returns the sequence of the last delivered event.
func (c *Client) LastSequence() uint64 {
	return c.lastSeq.Load()
}

// Ping issues a synchronous liveness check bounded by timeout.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) (protocol.PingReply, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply := new(protocol.PingReply)
	if err := CallContext(callCtx, c.rpc, protocol.Method(protocol.CmdPing), protocol.Empty{}, reply); err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return protocol.PingReply{}, fmt.Errorf("%w: no reply within %s", faults.ErrPingTimeout, timeout)
		}
		return protocol.PingReply{}, err
	}
	return *reply, nil
}

// Pump long-polls the worker for events until ctx ends, the client closes,
// or the connection drops. A dropped connection is returned as
// faults.ErrDisconnected.
func (c *Client) Pump(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		default:
		}
		req := protocol.EventsRequest{
			After:      c.lastSeq.Load(),
			Limit:      c.opts.BatchLimit,
			WaitMillis: int(c.opts.PollWait / time.Millisecond),
		}
		reply := new(protocol.EventsReply)
		callCtx, cancel := context.WithTimeout(ctx, c.opts.PollWait+c.opts.CallTimeout)
		err := CallContext(callCtx, c.rpc, protocol.MethodEvents, req, reply)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			if errors.Is(err, faults.ErrDisconnected) {
				return err
			}
			failures++
			if failures >= 2 {
				return err
			}
			c.logger.Debug("event poll failed; retrying", logging.Error(err))
			continue
		}
		failures = 0
		c.dispatch(*reply)
	}
}

func (c *Client) dispatch(reply protocol.EventsReply) {
	last := c.lastSeq.Load()
	if reply.First > last+1 {
		c.suspect.Store(true)
		logging.WarnWithContext(c.logger, "worker events lost before delivery", "ipc_events_lost",
			logging.Int64("expected_seq", int64(last+1)),
			logging.Int64("first_available", int64(reply.First)),
			logging.String(logging.FieldImpact, "progress or log lines may be missing"),
			logging.String(logging.FieldErrorHint, "the controller fell behind the worker event buffer"))
	}
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	for _, evt := range reply.Events {
		if evt.Seq != 0 && evt.Seq <= last {
			continue
		}
		if err := evt.Validate(); err != nil {
			c.suspect.Store(true)
			logging.WarnWithContext(c.logger, "dropping malformed worker event", "ipc_event_malformed",
				logging.Error(err),
				logging.Int64("seq", int64(evt.Seq)),
				logging.String(logging.FieldImpact, "connection marked suspect"),
				logging.String(logging.FieldErrorHint, "check the worker log for encoder errors"))
			if evt.Seq > last {
				last = evt.Seq
				c.lastSeq.Store(last)
			}
			continue
		}
		last = evt.Seq
		c.lastSeq.Store(last)
		for _, h := range handlers {
			h(evt)
		}
	}
}

// Close stops the outbox and tears down the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.rpc.Close()
		c.wg.Wait()
	})
	if errors.Is(err, rpc.ErrShutdown) {
		return nil
	}
	return err
}

func (c *Client) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.outbox:
			if err := c.deliver(msg); err != nil {
				c.fault(msg.cmd, err)
			}
		}
	}
}

// deliver sends msg, retrying one transport failure. A retried command the
// worker already applied comes back as invalid-state with the target state,
// which counts as delivered.
func (c *Client) deliver(msg outbound) error {
	method := protocol.Method(msg.cmd)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ack := new(protocol.Ack)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		err := CallContext(ctx, c.rpc, method, msg.args, ack)
		cancel()
		if err == nil {
			ackErr := ack.Err()
			if ackErr != nil && attempt > 0 && errors.Is(ackErr, faults.ErrInvalidState) && ack.State == protocol.Target(msg.cmd) {
				return nil
			}
			return ackErr
		}
		lastErr = err
		if errors.Is(err, faults.ErrDisconnected) {
			return err
		}
		select {
		case <-c.closed:
			return err
		default:
		}
		c.logger.Debug("command delivery failed; retrying once",
			logging.String("command", string(msg.cmd)), logging.Error(err))
	}
	return lastErr
}

func (c *Client) fault(cmd protocol.Command, err error) {
	c.mu.Lock()
	fns := append([]FaultFunc(nil), c.onFault...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(cmd, err)
	}
}
