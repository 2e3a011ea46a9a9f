package scheduler

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

// dedupKey is the identity duplicates are compared on. Keys only collide
// inside one tenancy scope.
type dedupKey struct {
	scope models.Scope
	key   string
}

func keyOf(job *models.Job) dedupKey {
	return dedupKey{scope: job.Scope, key: job.Key}
}

// DuplicateGuard decides which SUBMITTED jobs may be promoted without
// putting a second job with the same key in flight.
type DuplicateGuard struct {
	store     store.Store
	batchSize int
}

func NewDuplicateGuard(st store.Store, batchSize int) *DuplicateGuard {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &DuplicateGuard{store: st, batchSize: batchSize}
}

// Promotable returns the SUBMITTED jobs, oldest first, that have no
// in-flight duplicate. Jobs blocked by a running duplicate are excluded in
// the store query, so they never fill the batch. At most one job per key is
// returned so that two queued duplicates are never promoted in the same pass.
// The in-flight lookup below catches promotions that raced the query.
func (g *DuplicateGuard) Promotable(ctx context.Context) ([]*models.Job, error) {
	submitted, err := g.store.FindJobs(ctx, store.JobFilter{
		States:              []models.JobState{models.JobStateSubmitted},
		NoInFlightDuplicate: true,
		Limit:               g.batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("find submitted jobs: %w", err)
	}
	if len(submitted) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(submitted))
	seenKey := make(map[string]bool, len(submitted))
	for _, job := range submitted {
		if !seenKey[job.Key] {
			seenKey[job.Key] = true
			keys = append(keys, job.Key)
		}
	}

	inflight, err := g.store.FindJobs(ctx, store.JobFilter{
		States: models.IntermediateJobStates,
		Keys:   keys,
	})
	if err != nil {
		return nil, fmt.Errorf("find in-flight duplicates: %w", err)
	}
	busy := make(map[dedupKey]bool, len(inflight))
	for _, job := range inflight {
		busy[keyOf(job)] = true
	}

	var out []*models.Job
	for _, job := range submitted {
		k := keyOf(job)
		if busy[k] {
			continue
		}
		busy[k] = true
		out = append(out, job)
	}
	return out, nil
}

// InFlight returns the in-flight jobs sharing key within scope.
func (g *DuplicateGuard) InFlight(ctx context.Context, scope models.Scope, key string) ([]*models.Job, error) {
	jobs, err := g.store.FindJobs(ctx, store.JobFilter{
		Scope:  &scope,
		Keys:   []string{key},
		States: models.IntermediateJobStates,
	})
	if err != nil {
		return nil, fmt.Errorf("find in-flight jobs: %w", err)
	}
	return jobs, nil
}

// Queued reports whether an older SUBMITTED job with key is waiting in scope.
func (g *DuplicateGuard) Queued(ctx context.Context, scope models.Scope, key string) (bool, error) {
	jobs, err := g.store.FindJobs(ctx, store.JobFilter{
		Scope:  &scope,
		Keys:   []string{key},
		States: []models.JobState{models.JobStateSubmitted},
		Limit:  1,
	})
	if err != nil {
		return false, fmt.Errorf("find queued jobs: %w", err)
	}
	return len(jobs) > 0, nil
}
