package ipc

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/rpc"
	"time"

	"golang.org/x/sys/unix"

	"encodeq/internal/faults"
)

// DialUnix connects to the socket at path. Refused or missing sockets are
// retried with backoff until ctx ends or maxAttempts is reached (0 means
// until ctx ends).
func DialUnix(ctx context.Context, path string, timeout time.Duration, backoff Backoff, maxAttempts int) (net.Conn, error) {
	if backoff == nil {
		backoff = Exponential{Initial: 25 * time.Millisecond, Max: time.Second}
	}
	dialer := net.Dialer{Timeout: timeout}
	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !retryableDialError(err) {
			return nil, faults.Wrap(faults.ErrTransportFault, "ipc", "dial", path, err)
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			break
		}
		timer := time.NewTimer(backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, faults.Wrap(faults.ErrTransportFault, "ipc", "dial", "socket never accepted connections", errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}
	return nil, faults.Wrap(faults.ErrTransportFault, "ipc", "dial", "retries exhausted", lastErr)
}

func retryableDialError(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ENOENT) ||
		errors.Is(err, fs.ErrNotExist)
}

// CallContext issues an RPC and waits for it or for ctx. The reply must not
// be read when an error is returned.
func CallContext(ctx context.Context, client *rpc.Client, method string, args, reply any) error {
	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return classifyRPCError(method, call.Error)
		}
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.ErrTransportFault, "ipc", method, "call abandoned", ctx.Err())
	}
}

func classifyRPCError(method string, err error) error {
	switch {
	case errors.Is(err, rpc.ErrShutdown),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ECONNRESET):
		return faults.Wrap(faults.ErrDisconnected, "ipc", method, "", err)
	}
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return faults.Wrap(faults.ErrProtocolViolation, "ipc", method, "rejected by server", err)
	}
	return faults.Wrap(faults.ErrTransportFault, "ipc", method, "", err)
}
