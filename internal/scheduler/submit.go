package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conveyor/internal/lifecycle"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/internal/telemetry"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

var (
	// ErrDuplicateJob is returned for a REJECT submission while a job with
	// the same key is in flight.
	ErrDuplicateJob = errors.New("duplicate job in flight")
	ErrInvalidSpec  = errors.New("invalid job spec")
)

// Submitter creates jobs and applies their duplicate policy. It is the
// entry point for an embedding host; the loops pick up whatever it stores.
type Submitter struct {
	store   store.Store
	machine *lifecycle.Machine
	guard   *DuplicateGuard
}

func NewSubmitter(st store.Store, m *lifecycle.Machine, g *DuplicateGuard) *Submitter {
	return &Submitter{store: st, machine: m, guard: g}
}

// Submit creates a job from spec. A job with no in-flight duplicate and
// nobody queued ahead of it starts in READY_FOR_SCHEDULING; otherwise it
// waits in SUBMITTED for the scheduling loop to promote it. With IGNORE the
// existing in-flight job is returned and nothing is created.
func (s *Submitter) Submit(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	inflight, err := s.guard.InFlight(ctx, spec.Scope, spec.Key)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}

	if len(inflight) > 0 {
		switch spec.DuplicatePolicy {
		case models.DuplicatePolicyReject:
			return nil, fmt.Errorf("%w: key %q", ErrDuplicateJob, spec.Key)
		case models.DuplicatePolicyIgnore:
			slog.Info("submission ignored, duplicate in flight",
				"key", spec.Key, "existing_job_id", inflight[0].ID)
			return inflight[0], nil
		case models.DuplicatePolicyReplace:
			if err := s.replace(ctx, inflight); err != nil {
				return nil, fmt.Errorf("submit job: %w", err)
			}
			// Jobs that had not been submitted yet are cancelled outright.
			if inflight, err = s.guard.InFlight(ctx, spec.Scope, spec.Key); err != nil {
				return nil, fmt.Errorf("submit job: %w", err)
			}
		}
	}

	queued, err := s.guard.Queued(ctx, spec.Scope, spec.Key)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}

	job := newJob(spec, s.machine.Now(), telemetry.Capture(ctx))
	if len(inflight) == 0 && !queued {
		job.State = models.JobStateReadyForScheduling
	}

	err = s.store.CreateJob(ctx, job)
	if errors.Is(err, store.ErrDuplicateKey) && job.State == models.JobStateReadyForScheduling {
		// Another submission with the same key won the race.
		job.State = models.JobStateSubmitted
		err = s.store.CreateJob(ctx, job)
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("job submitted",
		"job_id", job.ID,
		"key", job.Key,
		"state", job.State,
		"policy", job.DuplicatePolicy,
	)
	return job, nil
}

// replace asks every cancellable in-flight duplicate to cancel. The new job
// is still queued behind them until they reach a terminal state.
func (s *Submitter) replace(ctx context.Context, inflight []*models.Job) error {
	for _, old := range inflight {
		if !old.Cancellable {
			slog.Info("duplicate not cancellable, queueing behind it", "job_id", old.ID)
			continue
		}
		if _, err := s.machine.RequestCancel(ctx, old); err != nil {
			return fmt.Errorf("cancel duplicate %s: %w", old.ID, err)
		}
		slog.Info("cancellation requested for replaced job", "job_id", old.ID, "key", old.Key)
	}
	return nil
}

func validateSpec(spec *models.JobSpec) error {
	if spec.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidSpec)
	}
	if spec.Scope.Organization == "" {
		return fmt.Errorf("%w: organization is required", ErrInvalidSpec)
	}
	if spec.DuplicatePolicy == "" {
		spec.DuplicatePolicy = models.DuplicatePolicyQueue
	}
	if !spec.DuplicatePolicy.Valid() {
		return fmt.Errorf("%w: unknown duplicate policy %q", ErrInvalidSpec, spec.DuplicatePolicy)
	}
	if spec.GPUCost < 0 {
		return fmt.Errorf("%w: gpu cost must not be negative", ErrInvalidSpec)
	}
	for _, ts := range spec.TaskStates {
		if ts.Name == "" || !ts.State.Valid() {
			return fmt.Errorf("%w: invalid task state %q=%q", ErrInvalidSpec, ts.Name, ts.State)
		}
	}
	return nil
}

func newJob(spec models.JobSpec, now time.Time, carrier map[string]string) *models.Job {
	job := &models.Job{
		ID:               uuid.New(),
		Scope:            spec.Scope,
		Key:              spec.Key,
		State:            models.JobStateSubmitted,
		TaskStates:       append([]models.TaskState(nil), spec.TaskStates...),
		Priority:         spec.Priority,
		DuplicatePolicy:  spec.DuplicatePolicy,
		Cancellable:      !spec.NonCancellable,
		GPUCost:          spec.GPUCost,
		Author:           spec.Author,
		Metadata:         spec.Metadata,
		Payload:          spec.Payload,
		TelemetryContext: carrier,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if spec.GPU {
		waiting := models.GPURequestWaiting
		job.GPURequestState = &waiting
	}
	return job
}
