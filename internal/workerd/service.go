package workerd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"encodeq/internal/ipc"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
)

// maxPollWait caps how long one Events call may block, in milliseconds.
const maxPollWait = 30_000

var drainDelay = 100 * time.Millisecond

// service is the RPC receiver. Every command replies with an Ack so that
// classified failures survive the process boundary; the returned error is
// reserved for transport problems.
type service struct {
	rt *Runtime
}

func (s *service) ack(err error, reply *protocol.Ack) error {
	*reply = protocol.AckFromError(err, s.rt.State())
	return nil
}

func (s *service) SetUp(req protocol.SetUpRequest, reply *protocol.Ack) error {
	return s.ack(s.rt.SetUp(req), reply)
}

func (s *service) StartScan(req protocol.ScanRequest, reply *protocol.Ack) error {
	return s.ack(s.rt.StartScan(req), reply)
}

func (s *service) StartEncode(req protocol.EncodeRequest, reply *protocol.Ack) error {
	return s.ack(s.rt.StartEncode(req), reply)
}

func (s *service) StartEncodeFromSerializedJob(req protocol.SerializedEncodeRequest, reply *protocol.Ack) error {
	return s.ack(s.rt.StartEncodeFromSerializedJob(req), reply)
}

func (s *service) Pause(_ protocol.Empty, reply *protocol.Ack) error {
	return s.ack(s.rt.Pause(), reply)
}

func (s *service) Resume(_ protocol.Empty, reply *protocol.Ack) error {
	return s.ack(s.rt.Resume(), reply)
}

func (s *service) Stop(_ protocol.Empty, reply *protocol.Ack) error {
	return s.ack(s.rt.Stop(), reply)
}

func (s *service) Shutdown(_ protocol.Empty, reply *protocol.Ack) error {
	return s.ack(s.rt.Shutdown(), reply)
}

func (s *service) Ping(_ protocol.Empty, reply *protocol.PingReply) error {
	out, err := s.rt.Ping()
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

func (s *service) Events(req protocol.EventsRequest, reply *protocol.EventsReply) error {
	wait := min(max(req.WaitMillis, 0), maxPollWait)
	events, first, err := s.rt.hub.Fetch(context.Background(), req.After, req.Limit, time.Duration(wait)*time.Millisecond)
	if err != nil {
		return err
	}
	next := req.After
	if n := len(events); n > 0 {
		next = events[n-1].Seq
	}
	*reply = protocol.EventsReply{Events: events, Next: next, First: first}
	return nil
}

// Serve exposes rt on socketPath until ctx ends or the controller requests
// shutdown. In-flight work is cancelled before it returns.
func Serve(ctx context.Context, rt *Runtime, socketPath string, logger *slog.Logger) error {
	server, err := ipc.NewServer(socketPath, protocol.ServiceName, &service{rt: rt}, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	server.Serve(ctx)
	logger = logging.NewComponentLogger(logger, "workerd")
	logger.Info("worker listening", logging.String("socket", socketPath), logging.Int("pid", os.Getpid()))

	select {
	case <-ctx.Done():
		logger.Info("worker context cancelled")
	case <-rt.ShutdownRequested():
	}
	rt.abort()
	// Let a poller collect the final events before the socket goes away.
	time.Sleep(drainDelay)
	server.Close()
	server.Wait()
	return nil
}
