package control

import (
	"context"
	"log/slog"
	"strings"

	"encodeq/internal/api"
	"encodeq/internal/ipc"
	"encodeq/internal/logging"
	"encodeq/internal/protocol"
	"encodeq/internal/queue"
	"encodeq/internal/supervisor"
)

// Backend is the orchestration surface the control socket drives.
type Backend interface {
	Enqueue(job protocol.Job) (queue.Entry, error)
	Remove(jobID string) (queue.Entry, error)
	Move(jobID string, position int) error
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Stop(ctx context.Context, jobID string) error
	Scan(ctx context.Context, path string) (protocol.ScanResult, error)
	Status(ctx context.Context) (supervisor.Status, error)
}

// Info describes the daemon process for status replies.
type Info struct {
	PID         int
	LockPath    string
	QueueDBPath string
}

// NewServer binds the control socket at path. Call Serve on the result.
func NewServer(ctx context.Context, path string, backend Backend, info Info, logger *slog.Logger) (*ipc.Server, error) {
	svc := &service{
		ctx:     ctx,
		backend: backend,
		info:    info,
		logger:  logging.NewComponentLogger(logger, "control"),
	}
	return ipc.NewServer(path, ServiceName, svc, logger)
}

type service struct {
	ctx     context.Context
	backend Backend
	info    Info
	logger  *slog.Logger
}

func fault(err error) Fault {
	return protocol.AckFromError(err, "")
}

func (s *service) Enqueue(req EnqueueRequest, resp *EnqueueResponse) error {
	entry, err := s.backend.Enqueue(req.Job)
	if err != nil {
		resp.Fault = fault(err)
		return nil
	}
	resp.Item = api.FromEntry(entry)
	s.logger.Info("job enqueued via control socket",
		logging.String(logging.FieldJobID, entry.ID()),
		logging.String(logging.FieldEventType, "control_enqueue"))
	return nil
}

func (s *service) List(req ListRequest, resp *ListResponse) error {
	st, err := s.backend.Status(s.ctx)
	if err != nil {
		resp.Fault = fault(err)
		return nil
	}
	var statuses []queue.Status
	for _, value := range req.Statuses {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			statuses = append(statuses, queue.Status(strings.ToLower(trimmed)))
		}
	}
	resp.Items = api.QueueItems(st, statuses...)
	return nil
}

func (s *service) Remove(req RemoveRequest, resp *RemoveResponse) error {
	entry, err := s.backend.Remove(req.ID)
	if err != nil {
		resp.Fault = fault(err)
		return nil
	}
	resp.Item = api.FromEntry(entry)
	return nil
}

func (s *service) Move(req MoveRequest, resp *Response) error {
	resp.Fault = fault(s.backend.Move(req.ID, req.Position))
	return nil
}

func (s *service) Pause(req JobRequest, resp *Response) error {
	resp.Fault = fault(s.backend.Pause(s.ctx, req.ID))
	return nil
}

func (s *service) Resume(req JobRequest, resp *Response) error {
	resp.Fault = fault(s.backend.Resume(s.ctx, req.ID))
	return nil
}

func (s *service) Stop(req JobRequest, resp *Response) error {
	resp.Fault = fault(s.backend.Stop(s.ctx, req.ID))
	return nil
}

func (s *service) Scan(req ScanRequest, resp *ScanResponse) error {
	result, err := s.backend.Scan(s.ctx, req.Path)
	if err != nil {
		resp.Fault = fault(err)
		return nil
	}
	resp.Result = result
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	st, err := s.backend.Status(s.ctx)
	if err != nil {
		resp.Fault = fault(err)
		return nil
	}
	resp.Status = api.FromStatus(st)
	resp.Status.PID = s.info.PID
	resp.Status.LockFilePath = s.info.LockPath
	resp.Status.QueueDBPath = s.info.QueueDBPath
	return nil
}
