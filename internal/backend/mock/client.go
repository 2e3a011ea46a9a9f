package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/conveyor/internal/backend"
)

// Client satisfies backend.Client for testing. Calls are recorded so tests
// can assert on them.
type Client struct {
	SubmitFunc           func(ctx context.Context, req backend.SubmitRequest) (backend.Handle, error)
	CancelFunc           func(ctx context.Context, handle backend.Handle) error
	ReleaseResourcesFunc func(ctx context.Context, handle backend.Handle) error

	mu       sync.Mutex
	submits  []backend.SubmitRequest
	cancels  []backend.Handle
	releases []backend.Handle
}

func (c *Client) Submit(ctx context.Context, req backend.SubmitRequest) (backend.Handle, error) {
	c.mu.Lock()
	c.submits = append(c.submits, req)
	c.mu.Unlock()
	if c.SubmitFunc != nil {
		return c.SubmitFunc(ctx, req)
	}
	return backend.Handle("wf-" + req.JobID.String()), nil
}

func (c *Client) Cancel(ctx context.Context, handle backend.Handle) error {
	c.mu.Lock()
	c.cancels = append(c.cancels, handle)
	c.mu.Unlock()
	if c.CancelFunc != nil {
		return c.CancelFunc(ctx, handle)
	}
	return nil
}

func (c *Client) ReleaseResources(ctx context.Context, handle backend.Handle) error {
	c.mu.Lock()
	c.releases = append(c.releases, handle)
	c.mu.Unlock()
	if c.ReleaseResourcesFunc != nil {
		return c.ReleaseResourcesFunc(ctx, handle)
	}
	return nil
}

// Submits returns every submit request seen so far.
func (c *Client) Submits() []backend.SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.SubmitRequest(nil), c.submits...)
}

func (c *Client) Cancels() []backend.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.Handle(nil), c.cancels...)
}

func (c *Client) Releases() []backend.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.Handle(nil), c.releases...)
}

// NewFailingClient returns a Client whose every call fails with err.
func NewFailingClient(err error) *Client {
	return &Client{
		SubmitFunc: func(_ context.Context, _ backend.SubmitRequest) (backend.Handle, error) {
			return "", err
		},
		CancelFunc: func(_ context.Context, _ backend.Handle) error {
			return err
		},
		ReleaseResourcesFunc: func(_ context.Context, _ backend.Handle) error {
			return err
		},
	}
}

// NewTimeoutClient returns a Client whose calls block until ctx is done.
func NewTimeoutClient() *Client {
	return &Client{
		SubmitFunc: func(ctx context.Context, _ backend.SubmitRequest) (backend.Handle, error) {
			<-ctx.Done()
			return "", backend.ErrTimeout
		},
		CancelFunc: func(ctx context.Context, _ backend.Handle) error {
			<-ctx.Done()
			return backend.ErrTimeout
		},
	}
}

var _ backend.Client = (*Client)(nil)
