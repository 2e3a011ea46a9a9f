package scheduler_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conveyor/internal/backend/mock"
	"github.com/kiranshivaraju/conveyor/internal/gpu"
	"github.com/kiranshivaraju/conveyor/internal/lifecycle"
	"github.com/kiranshivaraju/conveyor/internal/metrics"
	"github.com/kiranshivaraju/conveyor/internal/scheduler"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var scope = models.Scope{Organization: "acme", Workspace: "ml", Project: "vision"}

type fixture struct {
	store     *store.MemoryStore
	backend   *mock.Client
	allocator *gpu.MemoryAllocator
	clock     *clocktesting.FakeClock
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	machine   *lifecycle.Machine
	guard     *scheduler.DuplicateGuard
	submitter *scheduler.Submitter
	settings  scheduler.Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	f := &fixture{
		store:     st,
		backend:   &mock.Client{},
		allocator: gpu.NewMemoryAllocator(1),
		clock:     clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		registry:  reg,
		metrics:   metrics.New(reg),
		settings: scheduler.Settings{
			BatchSize:      10,
			BackendTimeout: time.Second,
			MaxStartTime:   30 * time.Second,
			MaxCancelTime:  30 * time.Second,
		},
	}
	f.machine = lifecycle.NewMachine(st, f.backend, f.allocator,
		lifecycle.WithClock(f.clock), lifecycle.WithMetrics(f.metrics))
	f.guard = scheduler.NewDuplicateGuard(st, f.settings.BatchSize)
	f.submitter = scheduler.NewSubmitter(st, f.machine, f.guard)
	return f
}

func (f *fixture) scheduling() *scheduler.SchedulingLoop {
	return scheduler.NewSchedulingLoop(f.store, f.machine, f.guard, f.backend, f.settings,
		scheduler.WithMetrics(f.metrics))
}

func (f *fixture) resetting() *scheduler.ResettingLoop {
	return scheduler.NewResettingLoop(f.store, f.machine, f.settings)
}

func (f *fixture) deletion(opts ...scheduler.Option) *scheduler.DeletionLoop {
	return scheduler.NewDeletionLoop(f.store, f.machine, f.settings, opts...)
}

// submit submits a QUEUE job for key and advances the clock so that
// creation order is unambiguous.
func (f *fixture) submit(t *testing.T, key string) *models.Job {
	t.Helper()
	return f.submitSpec(t, models.JobSpec{Scope: scope, Key: key})
}

func (f *fixture) submitSpec(t *testing.T, spec models.JobSpec) *models.Job {
	t.Helper()
	if spec.Payload == nil {
		spec.Payload = json.RawMessage(`{"steps":1}`)
	}
	job, err := f.submitter.Submit(context.Background(), spec)
	require.NoError(t, err)
	f.clock.Step(time.Second)
	return job
}

// insert stores a job directly in state, bypassing the submitter.
func (f *fixture) insert(t *testing.T, key string, state models.JobState) *models.Job {
	t.Helper()
	now := f.clock.Now()
	job := &models.Job{
		ID:              uuid.New(),
		Scope:           scope,
		Key:             key,
		State:           state,
		DuplicatePolicy: models.DuplicatePolicyQueue,
		Cancellable:     true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if state.IsTerminal() {
		job.FinishedAt = &now
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	f.clock.Step(time.Second)
	return job
}

func (f *fixture) reload(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	got, err := f.store.GetJob(context.Background(), job.Scope, job.ID)
	require.NoError(t, err)
	return got
}

// advance walks job along the given states through the machine.
func (f *fixture) advance(t *testing.T, job *models.Job, states ...models.JobState) *models.Job {
	t.Helper()
	ctx := context.Background()
	for _, to := range states {
		ok, err := f.machine.Transition(ctx, job, to)
		require.NoError(t, err)
		require.True(t, ok, "transition %s -> %s", job.State, to)
	}
	return f.reload(t, job)
}

func (f *fixture) inFlight(t *testing.T, key string) int {
	t.Helper()
	jobs, err := f.store.FindJobs(context.Background(), store.JobFilter{
		Scope:  &scope,
		Keys:   []string{key},
		States: models.IntermediateJobStates,
	})
	require.NoError(t, err)
	return len(jobs)
}
