package control

import (
	"context"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"encodeq/internal/api"
	"encodeq/internal/ipc"
	"encodeq/internal/protocol"
)

const dialTimeout = 2 * time.Second

// Client talks to a running daemon.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the control socket at path. It does not retry; a
// missing socket means no daemon is running.
func Dial(ctx context.Context, path string) (*Client, error) {
	conn, err := ipc.DialUnix(ctx, path, dialTimeout, nil, 1)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) call(ctx context.Context, method string, args any, reply any, fault *Fault) error {
	if err := ipc.CallContext(ctx, c.rpc, ServiceName+"."+method, args, reply); err != nil {
		return err
	}
	return fault.Err()
}

// Enqueue adds job to the queue.
func (c *Client) Enqueue(ctx context.Context, job protocol.Job) (api.QueueItem, error) {
	var resp EnqueueResponse
	err := c.call(ctx, "Enqueue", EnqueueRequest{Job: job}, &resp, &resp.Fault)
	return resp.Item, err
}

// List returns queue entries, optionally filtered by status.
func (c *Client) List(ctx context.Context, statuses ...string) ([]api.QueueItem, error) {
	var resp ListResponse
	err := c.call(ctx, "List", ListRequest{Statuses: statuses}, &resp, &resp.Fault)
	return resp.Items, err
}

// Remove drops a queued job.
func (c *Client) Remove(ctx context.Context, id string) (api.QueueItem, error) {
	var resp RemoveResponse
	err := c.call(ctx, "Remove", RemoveRequest{ID: id}, &resp, &resp.Fault)
	return resp.Item, err
}

// Move places a queued job at position.
func (c *Client) Move(ctx context.Context, id string, position int) error {
	var resp Response
	return c.call(ctx, "Move", MoveRequest{ID: id, Position: position}, &resp, &resp.Fault)
}

// Pause suspends a running job.
func (c *Client) Pause(ctx context.Context, id string) error {
	var resp Response
	return c.call(ctx, "Pause", JobRequest{ID: id}, &resp, &resp.Fault)
}

// Resume continues a paused job.
func (c *Client) Resume(ctx context.Context, id string) error {
	var resp Response
	return c.call(ctx, "Resume", JobRequest{ID: id}, &resp, &resp.Fault)
}

// Stop abandons a running job.
func (c *Client) Stop(ctx context.Context, id string) error {
	var resp Response
	return c.call(ctx, "Stop", JobRequest{ID: id}, &resp, &resp.Fault)
}

// Scan lists the titles of the source at path.
func (c *Client) Scan(ctx context.Context, path string) (protocol.ScanResult, error) {
	var resp ScanResponse
	err := c.call(ctx, "Scan", ScanRequest{Path: path}, &resp, &resp.Fault)
	return resp.Result, err
}

// Status returns daemon and worker pool status.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var resp StatusResponse
	err := c.call(ctx, "Status", StatusRequest{}, &resp, &resp.Fault)
	return resp.Status, err
}
