package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kiranshivaraju/conveyor/internal/backend"
	"github.com/kiranshivaraju/conveyor/internal/lifecycle"
	"github.com/kiranshivaraju/conveyor/internal/metrics"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/internal/telemetry"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

// SchedulingLoop promotes queued jobs, submits ready jobs to the backend,
// forwards cancel requests and starts reverts.
type SchedulingLoop struct {
	store    store.Store
	machine  *lifecycle.Machine
	guard    *DuplicateGuard
	backend  backend.Client
	settings Settings
	metrics  *metrics.Metrics
}

func NewSchedulingLoop(st store.Store, m *lifecycle.Machine, g *DuplicateGuard, be backend.Client, settings Settings, opts ...Option) *SchedulingLoop {
	o := buildOptions(opts)
	return &SchedulingLoop{
		store:    st,
		machine:  m,
		guard:    g,
		backend:  be,
		settings: settings.withDefaults(),
		metrics:  o.metrics,
	}
}

func (l *SchedulingLoop) Name() string { return "scheduling" }

// RunCycle runs one pass. Errors of individual jobs do not stop the pass;
// they are collected and returned together.
func (l *SchedulingLoop) RunCycle(ctx context.Context) error {
	var errs *multierror.Error

	promoted, err := l.promote(ctx, &errs)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	canceling, err := l.cancelPass(ctx, &errs)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	scheduled, err := l.schedulePass(ctx, &errs)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	reverting, err := l.revertPass(ctx, &errs)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	log := slog.Debug
	if promoted+canceling+scheduled+reverting > 0 {
		log = slog.Info
	}
	log("scheduling cycle completed",
		"promoted", promoted,
		"canceling", canceling,
		"scheduled", scheduled,
		"reverting", reverting,
		"errors", len(errs.WrappedErrors()),
	)
	return errs.ErrorOrNil()
}

func (l *SchedulingLoop) promote(ctx context.Context, errs **multierror.Error) (int, error) {
	jobs, err := l.guard.Promotable(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		ok, err := l.machine.Promote(ctx, job)
		if err != nil {
			*errs = multierror.Append(*errs, fmt.Errorf("promote job %s: %w", job.ID, err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// cancelPass moves flagged SCHEDULED and RUNNING jobs to CANCELING and asks
// the backend to stop them. A failed cancel call leaves the job in
// CANCELING; the resetting loop hands it back once it goes stale.
func (l *SchedulingLoop) cancelPass(ctx context.Context, errs **multierror.Error) (int, error) {
	jobs, err := l.store.FindJobs(ctx, store.JobFilter{
		States:          []models.JobState{models.JobStateScheduled, models.JobStateRunning},
		CancelRequested: store.BoolPtr(true),
		Limit:           l.settings.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("find jobs to cancel: %w", err)
	}

	n := 0
	for _, job := range jobs {
		ok, err := l.machine.BeginCancel(ctx, job)
		if err != nil {
			*errs = multierror.Append(*errs, fmt.Errorf("begin cancel of job %s: %w", job.ID, err))
			continue
		}
		if !ok {
			continue
		}
		n++

		if job.BackendHandle != nil && *job.BackendHandle != "" {
			cctx, cancel := context.WithTimeout(ctx, l.settings.BackendTimeout)
			err = l.backend.Cancel(cctx, backend.Handle(*job.BackendHandle))
			cancel()
			if err != nil {
				slog.Warn("backend cancel failed, job left canceling", "job_id", job.ID, "error", err)
				*errs = multierror.Append(*errs, fmt.Errorf("cancel job %s: %w", job.ID, err))
				continue
			}
		}
		if _, err := l.machine.AcknowledgeCancel(ctx, job); err != nil {
			*errs = multierror.Append(*errs, fmt.Errorf("acknowledge cancel of job %s: %w", job.ID, err))
		}
	}
	return n, nil
}

// schedulePass picks ready jobs oldest first and submits them. GPU-bound
// jobs stay READY_FOR_SCHEDULING until a slot is reserved for them.
func (l *SchedulingLoop) schedulePass(ctx context.Context, errs **multierror.Error) (int, error) {
	jobs, err := l.store.FindJobs(ctx, store.JobFilter{
		States: []models.JobState{models.JobStateReadyForScheduling},
		Limit:  l.settings.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("find ready jobs: %w", err)
	}

	n := 0
	for _, job := range jobs {
		reserved, err := l.machine.ReserveGPU(ctx, job)
		if err != nil {
			*errs = multierror.Append(*errs, fmt.Errorf("reserve gpu for job %s: %w", job.ID, err))
			continue
		}
		if !reserved {
			slog.Debug("job waiting for gpu slot", "job_id", job.ID)
			continue
		}

		ok, err := l.machine.Pick(ctx, job)
		if err != nil {
			*errs = multierror.Append(*errs, fmt.Errorf("pick job %s: %w", job.ID, err))
			continue
		}
		if !ok {
			continue
		}
		if err := l.submit(ctx, job, false); err != nil {
			*errs = multierror.Append(*errs, err)
			continue
		}
		n++
	}
	return n, nil
}

func (l *SchedulingLoop) revertPass(ctx context.Context, errs **multierror.Error) (int, error) {
	jobs, err := l.store.FindJobs(ctx, store.JobFilter{
		States: []models.JobState{models.JobStateReadyForRevert},
		Limit:  l.settings.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("find jobs to revert: %w", err)
	}

	n := 0
	for _, job := range jobs {
		ok, err := l.machine.PickRevert(ctx, job)
		if err != nil {
			*errs = multierror.Append(*errs, fmt.Errorf("pick revert of job %s: %w", job.ID, err))
			continue
		}
		if !ok {
			continue
		}
		if err := l.submit(ctx, job, true); err != nil {
			*errs = multierror.Append(*errs, err)
			continue
		}
		n++
	}
	return n, nil
}

// submit hands a picked job to the backend under the trace context captured
// when the job was created. A business refusal fails the job for good. Any
// other error sends a forward submission down the revert path and a revert
// submission back to READY_FOR_REVERT.
func (l *SchedulingLoop) submit(ctx context.Context, job *models.Job, revert bool) error {
	jctx := telemetry.Restore(ctx, job.TelemetryContext)
	jctx, span := telemetry.StartSpan(jctx, "scheduler.submit_job",
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.key", job.Key),
		attribute.Bool("job.revert", revert),
	)
	defer span.End()

	sctx, cancel := context.WithTimeout(jctx, l.settings.BackendTimeout)
	handle, err := l.backend.Submit(sctx, backend.SubmitRequest{
		JobID:     job.ID,
		Payload:   job.Payload,
		Priority:  job.Priority,
		Revert:    revert,
		Telemetry: telemetry.Capture(jctx),
	})
	cancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return l.submitFailed(ctx, job, revert, err)
	}

	l.metrics.ObserveSubmission(metrics.OutcomeSubmitted)
	var ok bool
	if revert {
		ok, err = l.machine.MarkRevertScheduled(ctx, job, handle)
	} else {
		ok, err = l.machine.MarkScheduled(ctx, job, handle)
	}
	if err != nil {
		return fmt.Errorf("record submission of job %s: %w", job.ID, err)
	}
	if !ok {
		slog.Warn("job moved while it was being submitted", "job_id", job.ID, "handle", handle)
		if _, err := l.machine.RecordHandle(ctx, job, handle); err != nil {
			return fmt.Errorf("record handle of job %s: %w", job.ID, err)
		}
		return nil
	}
	slog.Info("job submitted to backend", "job_id", job.ID, "handle", handle, "revert", revert)
	return nil
}

func (l *SchedulingLoop) submitFailed(ctx context.Context, job *models.Job, revert bool, cause error) error {
	if backend.IsBusiness(cause) {
		l.metrics.ObserveSubmission(metrics.OutcomeBusiness)
		slog.Warn("backend refused job", "job_id", job.ID, "revert", revert, "error", cause)
		if _, err := l.machine.Fail(ctx, job, cause.Error()); err != nil {
			return fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		return nil
	}

	l.metrics.ObserveSubmission(metrics.OutcomeTransient)
	slog.Warn("backend submission failed", "job_id", job.ID, "revert", revert, "error", cause)
	var err error
	if revert {
		_, err = l.machine.Transition(ctx, job, models.JobStateReadyForRevert)
	} else {
		_, err = l.machine.Abort(ctx, job, cause.Error())
	}
	if err != nil {
		return fmt.Errorf("recover job %s after failed submission: %w", job.ID, err)
	}
	return fmt.Errorf("submit job %s: %w", job.ID, cause)
}
