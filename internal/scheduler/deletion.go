package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/kiranshivaraju/conveyor/internal/leader"
	"github.com/kiranshivaraju/conveyor/internal/lifecycle"
	"github.com/kiranshivaraju/conveyor/internal/metrics"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

// DeletionLoop removes terminal jobs flagged for deletion together with
// their backend resources. Releasing resources is not idempotent, so only
// the leader runs it.
type DeletionLoop struct {
	store    store.Store
	machine  *lifecycle.Machine
	settings Settings
	metrics  *metrics.Metrics
	leader   leader.Controller
}

func NewDeletionLoop(st store.Store, m *lifecycle.Machine, settings Settings, opts ...Option) *DeletionLoop {
	o := buildOptions(opts)
	return &DeletionLoop{
		store:    st,
		machine:  m,
		settings: settings.withDefaults(),
		metrics:  o.metrics,
		leader:   o.leader,
	}
}

func (l *DeletionLoop) Name() string { return "deletion" }

// RunCycle flags expired jobs when a retention is configured, then deletes
// flagged jobs one at a time until none are left. A job whose deletion
// failed is skipped for the rest of the cycle.
func (l *DeletionLoop) RunCycle(ctx context.Context) error {
	var errs *multierror.Error

	if l.settings.JobRetention > 0 {
		if err := l.flagExpired(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	var token leader.Token
	if l.leader != nil {
		token = l.leader.GetToken()
	}

	var processed []uuid.UUID
	deleted := 0
	for ctx.Err() == nil {
		if l.leader != nil && !l.leader.ValidateToken(token) {
			slog.Info("leadership lost, stopping deletion cycle")
			break
		}

		jobs, err := l.store.FindJobs(ctx, store.JobFilter{
			States:            models.TerminalJobStates,
			DeletionRequested: store.BoolPtr(true),
			ExcludeIDs:        processed,
			Limit:             1,
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("find jobs to delete: %w", err))
			break
		}
		if len(jobs) == 0 {
			break
		}

		job := jobs[0]
		processed = append(processed, job.ID)
		ok, err := l.machine.Delete(ctx, job)
		if err != nil {
			slog.Warn("job deletion failed", "job_id", job.ID, "scope", job.Scope.String(), "error", err)
			errs = multierror.Append(errs, fmt.Errorf("delete job %s: %w", job.ID, err))
			continue
		}
		if ok {
			deleted++
			l.metrics.ObserveDeleted()
			slog.Info("job deleted", "job_id", job.ID, "scope", job.Scope.String())
		}
	}

	slog.Debug("deletion cycle completed", "deleted", deleted, "errors", len(errs.WrappedErrors()))
	return errs.ErrorOrNil()
}

func (l *DeletionLoop) flagExpired(ctx context.Context) error {
	cutoff := l.machine.Now().Add(-l.settings.JobRetention)
	jobs, err := l.store.FindJobs(ctx, store.JobFilter{
		States:            models.TerminalJobStates,
		DeletionRequested: store.BoolPtr(false),
		FinishedBefore:    cutoff,
		Limit:             l.settings.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("find expired jobs: %w", err)
	}

	var errs *multierror.Error
	for _, job := range jobs {
		if _, err := l.machine.MarkForDeletion(ctx, job); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flag job %s for deletion: %w", job.ID, err))
		}
	}
	return errs.ErrorOrNil()
}
