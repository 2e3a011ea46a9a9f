package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrDuplicateKey is returned when a write would put a second job with the
// same dedup key into an in-flight state, or when an id already exists.
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the job store. All state changes are conditional on the current
// state so concurrent schedulers never overwrite each other.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, scope models.Scope, id uuid.UUID) (*models.Job, error)
	FindJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// TransitionJob sets state=t.To where id, scope and state=t.From match.
	// It returns false with a nil error when nothing matched.
	TransitionJob(ctx context.Context, t Transition, opts ...JobUpdateOption) (bool, error)

	// ResetStaleJobs moves every job matching r back to a retriable state in
	// a single statement and returns how many were moved.
	ResetStaleJobs(ctx context.Context, r StaleReset) (int64, error)

	DeleteJob(ctx context.Context, scope models.Scope, id uuid.UUID) (bool, error)
}

// JobFilter selects jobs for FindJobs. Zero-valued fields do not filter.
// Results are always ordered oldest first.
type JobFilter struct {
	Scope      *models.Scope
	IDs        []uuid.UUID
	ExcludeIDs []uuid.UUID
	States     []models.JobState
	Keys       []string

	CancelRequested   *bool
	DeletionRequested *bool

	PickedBefore   time.Time
	FinishedBefore time.Time

	StartRetriesAtLeast  int
	CancelRetriesAtLeast int

	// NoInFlightDuplicate drops jobs that share scope and key with another
	// job in an intermediate state.
	NoInFlightDuplicate bool

	Limit int
}

// Transition identifies the row a conditional update may touch.
type Transition struct {
	ID    uuid.UUID
	Scope models.Scope
	From  models.JobState
	To    models.JobState
	// FromGPU additionally requires the GPU tracker to be in this state.
	FromGPU *models.GPURequestState
}

// RetryCounter names which retry counter a reset increments.
type RetryCounter string

const (
	StartRetryCounter  RetryCounter = "start_retry_counter"
	CancelRetryCounter RetryCounter = "cancel_retry_counter"
)

// StaleReset describes one bulk reset sweep: every job in From whose
// picked_at is older than PickedBefore moves to To.
type StaleReset struct {
	Scope        *models.Scope
	From         models.JobState
	To           models.JobState
	// ToCancelOrigin moves each job back to the state recorded when it
	// entered CANCELING instead of a fixed To.
	ToCancelOrigin bool
	PickedBefore   time.Time
	Counter        RetryCounter
	// MaxRetries skips jobs whose counter already reached it. 0 means no cap.
	MaxRetries int
	Now        time.Time
}

type jobUpdateParams struct {
	Now                 time.Time
	ErrorMessage        *string
	BackendHandle       *string
	PickedAt            *time.Time
	ClearPickedAt       bool
	StartedAt           *time.Time
	FinishedAt          *time.Time
	CancelFromState     *models.JobState
	ClearCancelFrom     bool
	GPURequestState     *models.GPURequestState
	CancelRequested     *bool
	DeletionRequestedAt *time.Time
	TaskStates          []models.TaskState
	SetTaskStates       bool
}

type JobUpdateOption func(*jobUpdateParams)

func applyOptions(opts []JobUpdateOption) *jobUpdateParams {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	if p.Now.IsZero() {
		p.Now = time.Now().UTC()
	}
	return p
}

// WithNow sets the updated_at timestamp; defaults to time.Now.
func WithNow(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Now = t
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithBackendHandle(handle string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.BackendHandle = &handle
	}
}

func WithPickedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.PickedAt = &t
	}
}

func WithClearedPickedAt() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ClearPickedAt = true
	}
}

func WithStartedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.StartedAt = &t
	}
}

func WithFinishedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FinishedAt = &t
	}
}

func WithCancelFromState(s models.JobState) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CancelFromState = &s
	}
}

func WithClearedCancelFromState() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ClearCancelFrom = true
	}
}

func WithGPURequestState(s models.GPURequestState) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.GPURequestState = &s
	}
}

func WithCancelRequested(v bool) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CancelRequested = &v
	}
}

func WithDeletionRequestedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.DeletionRequestedAt = &t
	}
}

func WithTaskStates(states []models.TaskState) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.TaskStates = states
		p.SetTaskStates = true
	}
}

// BoolPtr is a small helper for the tri-state filter fields.
func BoolPtr(v bool) *bool {
	return &v
}
