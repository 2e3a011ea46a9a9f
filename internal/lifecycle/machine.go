// Package lifecycle owns every job state change. Each change is a single
// conditional update on the store keyed by the job's current state; losing
// the race is reported as (false, nil), never as an error.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/conveyor/internal/backend"
	"github.com/kiranshivaraju/conveyor/internal/gpu"
	"github.com/kiranshivaraju/conveyor/internal/metrics"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/pkg/models"
	"k8s.io/utils/clock"
)

// rereadAttempts bounds how often RequestCancel and RecordHandle re-read a
// job that moved underneath them.
const rereadAttempts = 3

// Machine performs job transitions against the store and keeps the GPU
// tracker and backend resources consistent with them.
type Machine struct {
	store     store.Store
	backend   backend.Client
	allocator gpu.Allocator
	clock     clock.PassiveClock
	metrics   *metrics.Metrics
}

// Option configures a Machine.
type Option func(*Machine)

func WithClock(c clock.PassiveClock) Option {
	return func(m *Machine) {
		m.clock = c
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mt
	}
}

// NewMachine creates a Machine.
func NewMachine(st store.Store, be backend.Client, alloc gpu.Allocator, opts ...Option) *Machine {
	m := &Machine{
		store:     st,
		backend:   be,
		allocator: alloc,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the machine's current time in UTC.
func (m *Machine) Now() time.Time {
	return m.clock.Now().UTC()
}

// Transition moves job from its current state to `to`. On success the
// snapshot's State and UpdatedAt are updated in place. A promotion that
// would put a second job with the same key in flight returns
// store.ErrDuplicateKey.
func (m *Machine) Transition(ctx context.Context, job *models.Job, to models.JobState, opts ...store.JobUpdateOption) (bool, error) {
	return m.transition(ctx, job, to, nil, opts...)
}

func (m *Machine) transition(ctx context.Context, job *models.Job, to models.JobState, fromGPU *models.GPURequestState, opts ...store.JobUpdateOption) (bool, error) {
	from := job.State
	if !CanTransition(from, to) {
		return false, &IllegalTransitionError{From: from, To: to}
	}

	now := m.Now()
	all := []store.JobUpdateOption{store.WithNow(now)}
	if from != to {
		if isPickState(to) {
			all = append(all, store.WithPickedAt(now))
		}
		if to == models.JobStateRunning && from == models.JobStateScheduled {
			all = append(all, store.WithStartedAt(now))
		}
		if to.IsTerminal() {
			all = append(all, store.WithFinishedAt(now))
		}
	}
	all = append(all, opts...)

	ok, err := m.store.TransitionJob(ctx, store.Transition{
		ID:      job.ID,
		Scope:   job.Scope,
		From:    from,
		To:      to,
		FromGPU: fromGPU,
	}, all...)
	if err != nil {
		return false, err
	}
	if !ok {
		slog.Debug("transition skipped, job already moved",
			"job_id", job.ID, "from", from, "to", to)
		return false, nil
	}

	job.State = to
	job.UpdatedAt = now
	if from != to {
		m.metrics.ObserveTransition(string(from), string(to))
		slog.Debug("job transitioned", "job_id", job.ID, "from", from, "to", to)
	}

	if to.IsTerminal() && from != to && job.GPUBound() {
		released := models.GPURequestReleased
		job.GPURequestState = &released
		m.releaseSlot(ctx, job)
	}
	return true, nil
}

// releaseSlot frees the job's GPU slot. Failures are logged only; the store
// already records RELEASED and the slot is released again on deletion.
func (m *Machine) releaseSlot(ctx context.Context, job *models.Job) {
	if m.allocator == nil {
		return
	}
	if err := m.allocator.ReleaseSlot(ctx, job.ID); err != nil {
		slog.Warn("failed to release gpu slot", "job_id", job.ID, "error", err)
	}
}

// Promote moves a SUBMITTED job to READY_FOR_SCHEDULING. An in-flight
// duplicate makes it a no-op.
func (m *Machine) Promote(ctx context.Context, job *models.Job) (bool, error) {
	ok, err := m.Transition(ctx, job, models.JobStateReadyForScheduling)
	if errors.Is(err, store.ErrDuplicateKey) {
		slog.Debug("promotion skipped, duplicate in flight", "job_id", job.ID, "key", job.Key)
		return false, nil
	}
	return ok, err
}

// Pick claims a READY_FOR_SCHEDULING job for submission.
func (m *Machine) Pick(ctx context.Context, job *models.Job) (bool, error) {
	return m.Transition(ctx, job, models.JobStateScheduling)
}

// MarkScheduled records an accepted submission. An empty handle leaves any
// stored handle untouched.
func (m *Machine) MarkScheduled(ctx context.Context, job *models.Job, handle backend.Handle) (bool, error) {
	return m.markSubmitted(ctx, job, models.JobStateScheduled, handle)
}

func (m *Machine) markSubmitted(ctx context.Context, job *models.Job, to models.JobState, handle backend.Handle) (bool, error) {
	var opts []store.JobUpdateOption
	if handle != "" {
		opts = append(opts, store.WithBackendHandle(string(handle)))
	}
	ok, err := m.Transition(ctx, job, to, opts...)
	if ok && handle != "" {
		h := string(handle)
		job.BackendHandle = &h
	}
	return ok, err
}

// RecordHandle stores handle on a job that moved on before its submission
// could be recorded, e.g. when the backend's callback won the race. A handle
// that is already stored is kept.
func (m *Machine) RecordHandle(ctx context.Context, job *models.Job, handle backend.Handle) (bool, error) {
	if handle == "" {
		return false, nil
	}
	for attempt := 0; attempt < rereadAttempts; attempt++ {
		current, err := m.store.GetJob(ctx, job.Scope, job.ID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("record handle: %w", err)
		}
		if current.BackendHandle != nil && *current.BackendHandle != "" {
			*job = *current
			return false, nil
		}

		ok, err := m.Transition(ctx, current, current.State, store.WithBackendHandle(string(handle)))
		if err != nil {
			return false, fmt.Errorf("record handle: %w", err)
		}
		if ok {
			h := string(handle)
			current.BackendHandle = &h
			*job = *current
			return true, nil
		}
	}
	return false, nil
}

func (m *Machine) MarkRunning(ctx context.Context, job *models.Job) (bool, error) {
	return m.Transition(ctx, job, models.JobStateRunning)
}

func (m *Machine) Finish(ctx context.Context, job *models.Job) (bool, error) {
	return m.Transition(ctx, job, models.JobStateFinished)
}

// Fail moves the job to FAILED and records msg.
func (m *Machine) Fail(ctx context.Context, job *models.Job, msg string) (bool, error) {
	ok, err := m.Transition(ctx, job, models.JobStateFailed, store.WithErrorMessage(msg))
	if ok {
		job.ErrorMessage = &msg
	}
	return ok, err
}

// Abort sends the job down the revert path after a failure before completion.
func (m *Machine) Abort(ctx context.Context, job *models.Job, msg string) (bool, error) {
	var opts []store.JobUpdateOption
	if msg != "" {
		opts = append(opts, store.WithErrorMessage(msg))
	}
	ok, err := m.Transition(ctx, job, models.JobStateReadyForRevert, opts...)
	if ok && msg != "" {
		job.ErrorMessage = &msg
	}
	return ok, err
}

// BeginCancel moves a SCHEDULED or RUNNING job to CANCELING and remembers
// which of the two it came from.
func (m *Machine) BeginCancel(ctx context.Context, job *models.Job) (bool, error) {
	origin := job.State
	ok, err := m.Transition(ctx, job, models.JobStateCanceling, store.WithCancelFromState(origin))
	if ok {
		job.CancelFromState = &origin
	}
	return ok, err
}

// AcknowledgeCancel records that the backend stopped the job.
func (m *Machine) AcknowledgeCancel(ctx context.Context, job *models.Job) (bool, error) {
	return m.Transition(ctx, job, models.JobStateReadyForRevert)
}

func (m *Machine) PickRevert(ctx context.Context, job *models.Job) (bool, error) {
	return m.Transition(ctx, job, models.JobStateRevertScheduling)
}

func (m *Machine) MarkRevertScheduled(ctx context.Context, job *models.Job, handle backend.Handle) (bool, error) {
	return m.markSubmitted(ctx, job, models.JobStateRevertScheduled, handle)
}

func (m *Machine) MarkRevertRunning(ctx context.Context, job *models.Job) (bool, error) {
	return m.Transition(ctx, job, models.JobStateRevertRunning)
}

// CompleteRevert ends a finished revert: CANCELLED if the user asked for the
// cancellation, FAILED otherwise.
func (m *Machine) CompleteRevert(ctx context.Context, job *models.Job) (bool, error) {
	if job.CancelRequested {
		return m.Transition(ctx, job, models.JobStateCancelled)
	}
	msg := "job reverted after failure"
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		msg = *job.ErrorMessage
	}
	return m.Fail(ctx, job, msg)
}

// RequestCancel asks for job to be cancelled. Jobs that were never submitted
// are cancelled immediately; anything further along is flagged and the
// scheduling loop's cancel pass takes it from there. Terminal jobs are left
// alone.
func (m *Machine) RequestCancel(ctx context.Context, job *models.Job) (bool, error) {
	if !job.Cancellable {
		return false, ErrNotCancellable
	}

	current := job
	for attempt := 0; attempt < rereadAttempts; attempt++ {
		if current.State.IsTerminal() {
			return false, nil
		}

		var (
			ok  bool
			err error
		)
		switch current.State {
		case models.JobStateSubmitted, models.JobStateReadyForScheduling:
			ok, err = m.Transition(ctx, current, models.JobStateCancelled, store.WithCancelRequested(true))
		default:
			if current.CancelRequested {
				return true, nil
			}
			ok, err = m.Transition(ctx, current, current.State, store.WithCancelRequested(true))
		}
		if err != nil {
			return false, fmt.Errorf("request cancel: %w", err)
		}
		if ok {
			current.CancelRequested = true
			if current != job {
				*job = *current
			}
			return true, nil
		}

		current, err = m.store.GetJob(ctx, job.Scope, job.ID)
		if err != nil {
			return false, fmt.Errorf("request cancel: reload job: %w", err)
		}
	}
	return false, nil
}

// ReserveGPU asks the allocator for a slot for a READY_FOR_SCHEDULING job
// whose tracker is WAITING and records RESERVED on success. It returns
// false while no slot is free.
func (m *Machine) ReserveGPU(ctx context.Context, job *models.Job) (bool, error) {
	if !job.GPUBound() {
		return true, nil
	}
	if *job.GPURequestState == models.GPURequestReserved {
		// The allocator may have lost its holdings (restart, memory mode), so
		// the stored flag alone is not proof of a slot. RequestSlot is
		// idempotent for a job that still holds one.
		status, err := m.allocator.RequestSlot(ctx, job.ID)
		if err != nil {
			return false, fmt.Errorf("reserve gpu: %w", err)
		}
		if status != gpu.SlotReserved {
			slog.Warn("reserved job has no gpu slot, waiting for capacity", "job_id", job.ID)
			return false, nil
		}
		return true, nil
	}
	if *job.GPURequestState != models.GPURequestWaiting {
		return false, nil
	}

	status, err := m.allocator.RequestSlot(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("reserve gpu: %w", err)
	}
	if status != gpu.SlotReserved {
		return false, nil
	}

	waiting := models.GPURequestWaiting
	ok, err := m.transition(ctx, job, job.State, &waiting, store.WithGPURequestState(models.GPURequestReserved))
	if err != nil {
		return false, fmt.Errorf("reserve gpu: %w", err)
	}
	if ok {
		reserved := models.GPURequestReserved
		job.GPURequestState = &reserved
		return true, nil
	}

	// The job moved. Keep the slot if someone else still owns the job, free
	// it if the job is already gone or finished.
	fresh, err := m.store.GetJob(ctx, job.Scope, job.ID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && fresh.State.IsTerminal()) {
		m.releaseSlot(ctx, job)
	}
	return false, nil
}

// UpdateTaskStates replaces the informational sub-task list.
func (m *Machine) UpdateTaskStates(ctx context.Context, job *models.Job, states []models.TaskState) (bool, error) {
	for _, s := range states {
		if s.Name == "" || !s.State.Valid() {
			return false, fmt.Errorf("invalid task state %q=%q", s.Name, s.State)
		}
	}
	ok, err := m.Transition(ctx, job, job.State, store.WithTaskStates(states))
	if ok {
		job.TaskStates = append([]models.TaskState(nil), states...)
	}
	return ok, err
}

// MarkForDeletion flags a terminal job for the deletion loop.
func (m *Machine) MarkForDeletion(ctx context.Context, job *models.Job) (bool, error) {
	if !job.State.IsTerminal() {
		return false, ErrNotTerminal
	}
	if job.DeletionRequestedAt != nil {
		return true, nil
	}
	now := m.Now()
	ok, err := m.Transition(ctx, job, job.State, store.WithDeletionRequestedAt(now))
	if ok {
		job.DeletionRequestedAt = &now
	}
	return ok, err
}

// Delete releases the job's backend resources and GPU slot, then removes
// it. A failed release leaves the job in place so the next pass retries.
func (m *Machine) Delete(ctx context.Context, job *models.Job) (bool, error) {
	if !job.State.IsTerminal() {
		return false, ErrNotTerminal
	}

	if job.BackendHandle != nil && *job.BackendHandle != "" {
		if err := m.backend.ReleaseResources(ctx, backend.Handle(*job.BackendHandle)); err != nil {
			return false, fmt.Errorf("release backend resources: %w", err)
		}
	}
	if job.GPUBound() {
		m.releaseSlot(ctx, job)
	}

	ok, err := m.store.DeleteJob(ctx, job.Scope, job.ID)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return ok, nil
}

// ResetStale runs one bulk reset sweep and returns how many jobs moved.
func (m *Machine) ResetStale(ctx context.Context, r store.StaleReset) (int64, error) {
	if r.ToCancelOrigin {
		if r.From != models.JobStateCanceling {
			return 0, &IllegalTransitionError{From: r.From, To: models.JobStateRunning}
		}
	} else if r.From == r.To || !CanTransition(r.From, r.To) {
		return 0, &IllegalTransitionError{From: r.From, To: r.To}
	}
	r.Now = m.Now()

	n, err := m.store.ResetStaleJobs(ctx, r)
	if err != nil {
		return 0, err
	}
	m.metrics.ObserveReset(string(r.From), n)
	return n, nil
}
