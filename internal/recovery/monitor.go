package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"encodeq/internal/faults"
	"encodeq/internal/logging"
)

// PingFunc performs one liveness check with the given timeout.
type PingFunc func(ctx context.Context, timeout time.Duration) error

// Monitor pings a worker on a fixed interval.
type Monitor struct {
	Interval time.Duration
	Timeout  time.Duration
	Misses   int
	Ping     PingFunc
	// OnBeat runs after each successful ping.
	OnBeat func(time.Time)
	Logger *slog.Logger
}

// Run pings until ctx ends or the worker is declared dead. It returns nil
// on cancellation and a classified error otherwise: faults.ErrPingTimeout
// after Misses consecutive timeouts, or the transport error on disconnect.
func (m Monitor) Run(ctx context.Context) error {
	misses := max(m.Misses, 1)
	logger := m.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		err := m.Ping(ctx, m.Timeout)
		switch {
		case err == nil:
			consecutive = 0
			if m.OnBeat != nil {
				m.OnBeat(time.Now())
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, faults.ErrPingTimeout):
			consecutive++
			logger.Warn("worker ping timed out",
				logging.Int("consecutive", consecutive),
				logging.Int("threshold", misses),
				logging.String(logging.FieldEventType, "worker_ping_timeout"))
			if consecutive >= misses {
				return faults.Wrap(faults.ErrPingTimeout, "recovery", "heartbeat", "worker unresponsive", err)
			}
		case errors.Is(err, faults.ErrTransportFault):
			return err
		default:
			// Rejected pings mean the worker left the live states.
			return faults.Wrap(faults.ErrProtocolViolation, "recovery", "heartbeat", "ping rejected", err)
		}
	}
}

// CauseOf maps a monitor or transport error onto a crash cause.
func CauseOf(err error) Cause {
	switch {
	case errors.Is(err, faults.ErrPingTimeout):
		return CausePingTimeout
	case errors.Is(err, faults.ErrTransportFault):
		return CauseDisconnect
	case errors.Is(err, faults.ErrProtocolViolation):
		return CauseProtocol
	case errors.Is(err, faults.ErrConfiguration):
		return CauseSpawn
	default:
		return CauseExit
	}
}
