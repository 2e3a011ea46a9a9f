package scheduler_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conveyor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(jobs []*models.Job) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestDuplicateGuard_Promotable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	busy := f.insert(t, "busy", models.JobStateRunning)
	waitsForBusy := f.insert(t, "busy", models.JobStateSubmitted)
	firstFree := f.insert(t, "free", models.JobStateSubmitted)
	secondFree := f.insert(t, "free", models.JobStateSubmitted)
	done := f.insert(t, "done", models.JobStateFinished)
	afterDone := f.insert(t, "done", models.JobStateSubmitted)

	jobs, err := f.guard.Promotable(ctx)
	require.NoError(t, err)

	got := ids(jobs)
	assert.Equal(t, []uuid.UUID{firstFree.ID, afterDone.ID}, got)
	assert.NotContains(t, got, waitsForBusy.ID)
	assert.NotContains(t, got, secondFree.ID)
	assert.NotContains(t, got, busy.ID)
	assert.NotContains(t, got, done.ID)
}

func TestDuplicateGuard_BlockedDuplicatesDoNotFillBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insert(t, "busy", models.JobStateRunning)
	for i := 0; i < f.settings.BatchSize; i++ {
		f.insert(t, "busy", models.JobStateSubmitted)
	}
	free := f.insert(t, "free", models.JobStateSubmitted)

	jobs, err := f.guard.Promotable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{free.ID}, ids(jobs))

	require.NoError(t, f.scheduling().RunCycle(ctx))
	assert.Equal(t, models.JobStateScheduled, f.reload(t, free).State)
	assert.Equal(t, 1, f.inFlight(t, "busy"))
}

func TestDuplicateGuard_ScopesDoNotCollide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, "k1", models.JobStateRunning)

	other := &models.Job{
		ID:        uuid.New(),
		Scope:     models.Scope{Organization: "globex", Workspace: "ml", Project: "vision"},
		Key:       "k1",
		State:     models.JobStateSubmitted,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateJob(ctx, other))

	jobs, err := f.guard.Promotable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{other.ID}, ids(jobs))
}

func TestDuplicateGuard_NothingSubmitted(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "k1", models.JobStateRunning)

	jobs, err := f.guard.Promotable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDuplicateGuard_InFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.insert(t, "k1", models.JobStateRunning)
	f.insert(t, "k1", models.JobStateFailed)
	f.insert(t, "k1", models.JobStateSubmitted)

	jobs, err := f.guard.InFlight(ctx, scope, "k1")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{running.ID}, ids(jobs))

	queued, err := f.guard.Queued(ctx, scope, "k1")
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = f.guard.Queued(ctx, scope, "k2")
	require.NoError(t, err)
	assert.False(t, queued)
}
