package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_Classification(t *testing.T) {
	for _, s := range AllJobStates {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, JobState("PAUSED").Valid())

	assert.False(t, JobStateSubmitted.IsIntermediate())
	assert.False(t, JobStateSubmitted.IsTerminal())
	for _, s := range IntermediateJobStates {
		assert.True(t, s.IsIntermediate(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range TerminalJobStates {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsIntermediate(), s)
	}
	assert.Len(t, AllJobStates, 1+len(IntermediateJobStates)+len(TerminalJobStates))
}

func TestDuplicatePolicy_Valid(t *testing.T) {
	for _, p := range []DuplicatePolicy{DuplicatePolicyQueue, DuplicatePolicyReject, DuplicatePolicyReplace, DuplicatePolicyIgnore} {
		assert.True(t, p.Valid(), p)
	}
	assert.False(t, DuplicatePolicy("").Valid())
	assert.False(t, DuplicatePolicy("queue").Valid())
}

func TestTaskStateValue_Valid(t *testing.T) {
	assert.True(t, TaskSkipped.Valid())
	assert.False(t, TaskStateValue("DONE").Valid())
}

func TestScope_String(t *testing.T) {
	s := Scope{Organization: "acme", Workspace: "ml", Project: "vision"}
	assert.Equal(t, "acme/ml/vision", s.String())
}

func TestJob_DeepCopy(t *testing.T) {
	handle := "wf-1"
	origin := JobStateRunning
	waiting := GPURequestWaiting
	now := time.Now()
	job := &Job{
		ID:               uuid.New(),
		State:            JobStateCanceling,
		CancelFromState:  &origin,
		GPURequestState:  &waiting,
		BackendHandle:    &handle,
		TaskStates:       []TaskState{{Name: "train", State: TaskRunning}},
		Metadata:         map[string]string{"team": "vision"},
		TelemetryContext: map[string]string{"traceparent": "00-abc"},
		Payload:          json.RawMessage(`{"epochs":3}`),
		PickedAt:         &now,
	}

	c := job.DeepCopy()
	require.Equal(t, job, c)

	*c.CancelFromState = JobStateScheduled
	*c.GPURequestState = GPURequestReleased
	*c.BackendHandle = "wf-2"
	c.TaskStates[0].State = TaskFailed
	c.Metadata["team"] = "search"
	c.TelemetryContext["traceparent"] = "00-def"
	c.Payload[1] = 'E'
	*c.PickedAt = now.Add(time.Hour)

	assert.Equal(t, JobStateRunning, *job.CancelFromState)
	assert.Equal(t, GPURequestWaiting, *job.GPURequestState)
	assert.Equal(t, "wf-1", *job.BackendHandle)
	assert.Equal(t, TaskRunning, job.TaskStates[0].State)
	assert.Equal(t, "vision", job.Metadata["team"])
	assert.Equal(t, "00-abc", job.TelemetryContext["traceparent"])
	assert.Equal(t, `{"epochs":3}`, string(job.Payload))
	assert.Equal(t, now, *job.PickedAt)
}

func TestJob_DeepCopyNil(t *testing.T) {
	var j *Job
	assert.Nil(t, j.DeepCopy())
	assert.False(t, (&Job{}).GPUBound())
}
