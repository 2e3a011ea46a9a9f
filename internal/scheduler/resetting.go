package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kiranshivaraju/conveyor/internal/lifecycle"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

// ResettingLoop reclaims jobs whose processing was interrupted: anything
// left in SCHEDULING, REVERT_SCHEDULING or CANCELING past its threshold is
// moved back to a state the scheduling loop retries from.
type ResettingLoop struct {
	store    store.Store
	machine  *lifecycle.Machine
	settings Settings
}

func NewResettingLoop(st store.Store, m *lifecycle.Machine, settings Settings) *ResettingLoop {
	return &ResettingLoop{store: st, machine: m, settings: settings.withDefaults()}
}

func (l *ResettingLoop) Name() string { return "resetting" }

// RunCycle first gives up on jobs that used up their retries, then runs the
// three bulk reset sweeps. With nothing newly stuck a second run changes
// nothing.
func (l *ResettingLoop) RunCycle(ctx context.Context) error {
	now := l.machine.Now()
	startCutoff := now.Add(-l.settings.MaxStartTime)
	cancelCutoff := now.Add(-l.settings.MaxCancelTime)

	var errs *multierror.Error
	if err := l.exhaustRetries(ctx, startCutoff, cancelCutoff); err != nil {
		errs = multierror.Append(errs, err)
	}

	sweeps := []store.StaleReset{
		{
			From:           models.JobStateCanceling,
			ToCancelOrigin: true,
			PickedBefore:   cancelCutoff,
			Counter:        store.CancelRetryCounter,
			MaxRetries:     l.settings.MaxCancelRetries,
		},
		{
			From:         models.JobStateScheduling,
			To:           models.JobStateReadyForScheduling,
			PickedBefore: startCutoff,
			Counter:      store.StartRetryCounter,
			MaxRetries:   l.settings.MaxStartRetries,
		},
		{
			From:         models.JobStateRevertScheduling,
			To:           models.JobStateReadyForRevert,
			PickedBefore: startCutoff,
			Counter:      store.StartRetryCounter,
			MaxRetries:   l.settings.MaxStartRetries,
		},
	}

	var total int64
	for _, sweep := range sweeps {
		n, err := l.machine.ResetStale(ctx, sweep)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("reset stale %s jobs: %w", sweep.From, err))
			continue
		}
		if n > 0 {
			slog.Warn("reset stuck jobs", "from", sweep.From, "count", n)
		}
		total += n
	}

	slog.Debug("resetting cycle completed", "reset", total, "errors", len(errs.WrappedErrors()))
	return errs.ErrorOrNil()
}

// exhaustRetries handles stuck jobs whose counter reached its cap. A start
// that keeps getting stuck fails the job; a cancel that is never
// acknowledged is abandoned and the job reverted anyway.
func (l *ResettingLoop) exhaustRetries(ctx context.Context, startCutoff, cancelCutoff time.Time) error {
	var errs *multierror.Error

	if l.settings.MaxStartRetries > 0 {
		jobs, err := l.store.FindJobs(ctx, store.JobFilter{
			States:              []models.JobState{models.JobStateScheduling, models.JobStateRevertScheduling},
			PickedBefore:        startCutoff,
			StartRetriesAtLeast: l.settings.MaxStartRetries,
			Limit:               l.settings.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("find jobs out of start retries: %w", err)
		}
		for _, job := range jobs {
			ok, err := l.machine.Fail(ctx, job, "start retries exhausted")
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("fail job %s: %w", job.ID, err))
				continue
			}
			if ok {
				slog.Warn("job failed, start retries exhausted",
					"job_id", job.ID, "retries", job.StartRetryCounter)
			}
		}
	}

	if l.settings.MaxCancelRetries > 0 {
		jobs, err := l.store.FindJobs(ctx, store.JobFilter{
			States:               []models.JobState{models.JobStateCanceling},
			PickedBefore:         cancelCutoff,
			CancelRetriesAtLeast: l.settings.MaxCancelRetries,
			Limit:                l.settings.BatchSize,
		})
		if err != nil {
			return multierror.Append(errs, fmt.Errorf("find jobs out of cancel retries: %w", err))
		}
		for _, job := range jobs {
			ok, err := l.machine.Transition(ctx, job, models.JobStateReadyForRevert)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("revert job %s: %w", job.ID, err))
				continue
			}
			if ok {
				slog.Warn("cancel retries exhausted, reverting without acknowledgement",
					"job_id", job.ID, "retries", job.CancelRetryCounter)
			}
		}
	}

	return errs.ErrorOrNil()
}
