package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Sentinel errors for execution backend failures.
var (
	// ErrBusiness marks a refusal that retrying cannot fix (quota, balance,
	// validation). Use errors.As with *BusinessError for the details.
	ErrBusiness         = errors.New("backend rejected job")
	ErrUnreachable      = errors.New("backend unreachable")
	ErrTimeout          = errors.New("backend request timeout")
	ErrUnexpectedStatus = errors.New("backend unexpected status")
)

// BusinessError is returned when the backend refuses a job for a reason
// retrying would not change.
type BusinessError struct {
	Status  int
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend rejected job (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend rejected job: %s", e.Message)
}

func (e *BusinessError) Is(target error) bool { return target == ErrBusiness }

// IsBusiness reports whether err is a terminal backend refusal.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrBusiness)
}

// Handle identifies a submitted workflow on the backend.
type Handle string

// SubmitRequest is what the scheduler hands the backend for one attempt.
type SubmitRequest struct {
	JobID    uuid.UUID
	Payload  json.RawMessage
	Priority int
	// Revert asks the backend to run the job's compensating workflow.
	Revert bool
	// Telemetry is the trace-context carrier captured at submission.
	Telemetry map[string]string
}

// Client is the interface to the workflow execution backend.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (Handle, error)
	Cancel(ctx context.Context, handle Handle) error
	ReleaseResources(ctx context.Context, handle Handle) error
}

// HTTPClient implements Client against the backend's JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	client     *http.Client
	attempts   uint
	retryDelay time.Duration
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithRetryDelay sets the initial backoff between cancel/release attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// NewHTTPClient creates a new backend HTTP client. attempts bounds retries of
// the idempotent cancel and release calls; submit is never retried here.
func NewHTTPClient(baseURL, token string, timeout time.Duration, attempts int, opts ...Option) *HTTPClient {
	if attempts < 1 {
		attempts = 1
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		client:     &http.Client{Timeout: timeout},
		attempts:   uint(attempts),
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	body, err := json.Marshal(submitBody{
		JobID:    req.JobID.String(),
		Payload:  req.Payload,
		Priority: req.Priority,
		Revert:   req.Revert,
	})
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/workflows", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(ctx, httpReq, req.Telemetry)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if out.Handle == "" {
		return "", fmt.Errorf("%w: submit response has no handle", ErrUnexpectedStatus)
	}
	return Handle(out.Handle), nil
}

func (c *HTTPClient) Cancel(ctx context.Context, handle Handle) error {
	u := fmt.Sprintf("%s/api/v1/workflows/%s/cancel", c.baseURL, url.PathEscape(string(handle)))
	return c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, u, false)
	})
}

// ReleaseResources deletes the workflow. A workflow the backend no longer
// knows about counts as released.
func (c *HTTPClient) ReleaseResources(ctx context.Context, handle Handle) error {
	u := fmt.Sprintf("%s/api/v1/workflows/%s", c.baseURL, url.PathEscape(string(handle)))
	return c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodDelete, u, true)
	})
}

func (c *HTTPClient) do(ctx context.Context, method, u string, notFoundOK bool) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("building request: %w", err))
	}
	c.setHeaders(ctx, httpReq, nil)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if notFoundOK && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus(resp)
}

func (c *HTTPClient) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !IsBusiness(err)
		}),
	)
}

func (c *HTTPClient) setHeaders(ctx context.Context, req *http.Request, carrier map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range carrier {
		req.Header.Set(k, v)
	}
	// A live span in ctx takes precedence over the stored carrier.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// checkStatus turns a non-2xx response into an error. 402, 403 and 422 are
// business refusals; everything else is treated as transient.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusPaymentRequired, http.StatusForbidden, http.StatusUnprocessableEntity:
		var body errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
			body.Message = http.StatusText(resp.StatusCode)
		}
		return &BusinessError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
	}
	return fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- wire types ---

type submitBody struct {
	JobID    string          `json:"job_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority"`
	Revert   bool            `json:"revert"`
}

type submitResponse struct {
	Handle string `json:"handle"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
