package scheduler_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/conveyor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEmbeddedHost_SubmitCancelDelete drives a job the way an embedding host
// does: submit through Submitter, cancel and delete through the machine, and
// let the loops do the rest over the shared in-memory store.
func TestEmbeddedHost_SubmitCancelDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.submit(t, "train")
	queued := f.submit(t, "train")
	require.Equal(t, models.JobStateSubmitted, queued.State)

	require.NoError(t, f.scheduling().RunCycle(ctx))
	assert.Equal(t, models.JobStateScheduled, f.reload(t, first).State)
	assert.Equal(t, models.JobStateSubmitted, f.reload(t, queued).State)

	first = f.advance(t, f.reload(t, first), models.JobStateRunning)
	ok, err := f.machine.RequestCancel(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.scheduling().RunCycle(ctx))
	first = f.advance(t, f.reload(t, first), models.JobStateRevertRunning)
	ok, err = f.machine.CompleteRevert(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	first = f.reload(t, first)
	require.Equal(t, models.JobStateCancelled, first.State)

	require.NoError(t, f.scheduling().RunCycle(ctx))
	assert.Equal(t, models.JobStateScheduled, f.reload(t, queued).State, "queued duplicate runs once the first is cancelled")

	ok, err = f.machine.MarkForDeletion(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.deletion().RunCycle(ctx))
	assert.False(t, f.exists(t, first))
	assert.True(t, f.exists(t, queued))
}
