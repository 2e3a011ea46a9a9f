package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is the persisted unit of work driven through the scheduler lifecycle.
// Mutations go through lifecycle.Machine; nothing writes State directly.
type Job struct {
	ID    uuid.UUID `db:"id"    json:"id"`
	Scope Scope     `json:"scope"`
	Key   string    `db:"key"   json:"key"`
	State JobState  `db:"state" json:"state"`

	CancelFromState *JobState        `db:"cancel_from_state" json:"cancel_from_state,omitempty"`
	TaskStates      []TaskState      `db:"task_states"       json:"task_states"`
	GPURequestState *GPURequestState `db:"gpu_request_state" json:"gpu_request_state,omitempty"`

	Priority        int             `db:"priority"         json:"priority"`
	DuplicatePolicy DuplicatePolicy `db:"duplicate_policy" json:"duplicate_policy"`
	Cancellable     bool            `db:"cancellable"      json:"cancellable"`
	CancelRequested bool            `db:"cancel_requested" json:"cancel_requested"`

	StartRetryCounter  int `db:"start_retry_counter"  json:"start_retry_counter"`
	CancelRetryCounter int `db:"cancel_retry_counter" json:"cancel_retry_counter"`

	GPUCost  int               `db:"gpu_cost" json:"gpu_cost"`
	Author   string            `db:"author"   json:"author"`
	Metadata map[string]string `db:"metadata" json:"metadata"`
	Payload  json.RawMessage   `db:"payload"  json:"payload"`

	TelemetryContext map[string]string `db:"telemetry_context" json:"telemetry_context,omitempty"`
	BackendHandle    *string           `db:"backend_handle"    json:"backend_handle,omitempty"`
	ErrorMessage     *string           `db:"error_message"     json:"error_message,omitempty"`

	DeletionRequestedAt *time.Time `db:"deletion_requested_at" json:"deletion_requested_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at"            json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"            json:"updated_at"`
	PickedAt            *time.Time `db:"picked_at"             json:"picked_at,omitempty"`
	StartedAt           *time.Time `db:"started_at"            json:"started_at,omitempty"`
	FinishedAt          *time.Time `db:"finished_at"           json:"finished_at,omitempty"`
}

// GPUBound reports whether the job carries a GPU reservation tracker.
func (j *Job) GPUBound() bool {
	return j.GPURequestState != nil
}

// DeepCopy returns a copy that shares no mutable memory with j.
func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.CancelFromState = copyPtr(j.CancelFromState)
	c.GPURequestState = copyPtr(j.GPURequestState)
	c.BackendHandle = copyPtr(j.BackendHandle)
	c.ErrorMessage = copyPtr(j.ErrorMessage)
	c.DeletionRequestedAt = copyPtr(j.DeletionRequestedAt)
	c.PickedAt = copyPtr(j.PickedAt)
	c.StartedAt = copyPtr(j.StartedAt)
	c.FinishedAt = copyPtr(j.FinishedAt)
	if j.TaskStates != nil {
		c.TaskStates = append([]TaskState(nil), j.TaskStates...)
	}
	c.Metadata = copyMap(j.Metadata)
	c.TelemetryContext = copyMap(j.TelemetryContext)
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	return &c
}

// JobSpec is what a caller hands to the submitter.
type JobSpec struct {
	Scope           Scope
	Key             string
	Priority        int
	DuplicatePolicy DuplicatePolicy
	// NonCancellable jobs skip the CANCELING branch; cancel requests are refused.
	NonCancellable bool
	// GPU marks the job as needing a GPU slot before it can be scheduled.
	GPU        bool
	GPUCost    int
	Author     string
	Metadata   map[string]string
	Payload    json.RawMessage
	TaskStates []TaskState
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
