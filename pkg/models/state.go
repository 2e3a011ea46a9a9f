package models

// JobState is the lifecycle state of a job. The scheduler only reads and
// writes it through conditional updates.
type JobState string

const (
	JobStateSubmitted          JobState = "SUBMITTED"
	JobStateReadyForScheduling JobState = "READY_FOR_SCHEDULING"
	JobStateScheduling         JobState = "SCHEDULING"
	JobStateScheduled          JobState = "SCHEDULED"
	JobStateRunning            JobState = "RUNNING"
	JobStateCanceling          JobState = "CANCELING"
	JobStateReadyForRevert     JobState = "READY_FOR_REVERT"
	JobStateRevertScheduling   JobState = "REVERT_SCHEDULING"
	JobStateRevertScheduled    JobState = "REVERT_SCHEDULED"
	JobStateRevertRunning      JobState = "REVERT_RUNNING"
	JobStateFinished           JobState = "FINISHED"
	JobStateFailed             JobState = "FAILED"
	JobStateCancelled          JobState = "CANCELLED"
)

// AllJobStates lists every state in lifecycle order.
var AllJobStates = []JobState{
	JobStateSubmitted,
	JobStateReadyForScheduling,
	JobStateScheduling,
	JobStateScheduled,
	JobStateRunning,
	JobStateCanceling,
	JobStateReadyForRevert,
	JobStateRevertScheduling,
	JobStateRevertScheduled,
	JobStateRevertRunning,
	JobStateFinished,
	JobStateFailed,
	JobStateCancelled,
}

// IntermediateJobStates are the in-flight states: everything after SUBMITTED
// and before a terminal state. At most one job per dedup key may be in one of
// these at a time. Keep in sync with the partial unique index in migrations.
var IntermediateJobStates = []JobState{
	JobStateReadyForScheduling,
	JobStateScheduling,
	JobStateScheduled,
	JobStateRunning,
	JobStateCanceling,
	JobStateReadyForRevert,
	JobStateRevertScheduling,
	JobStateRevertScheduled,
	JobStateRevertRunning,
}

// TerminalJobStates are the states a job never leaves.
var TerminalJobStates = []JobState{
	JobStateFinished,
	JobStateFailed,
	JobStateCancelled,
}

func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateFinished, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

func (s JobState) IsIntermediate() bool {
	return s.Valid() && s != JobStateSubmitted && !s.IsTerminal()
}

func (s JobState) Valid() bool {
	for _, v := range AllJobStates {
		if v == s {
			return true
		}
	}
	return false
}

func (s JobState) String() string { return string(s) }

// GPURequestState tracks the GPU slot reservation of a GPU-bound job.
type GPURequestState string

const (
	GPURequestWaiting  GPURequestState = "WAITING"
	GPURequestReserved GPURequestState = "RESERVED"
	GPURequestReleased GPURequestState = "RELEASED"
)

// TaskStateValue is the informational state of a named sub-task.
type TaskStateValue string

const (
	TaskWaiting   TaskStateValue = "WAITING"
	TaskRunning   TaskStateValue = "RUNNING"
	TaskFinished  TaskStateValue = "FINISHED"
	TaskFailed    TaskStateValue = "FAILED"
	TaskCancelled TaskStateValue = "CANCELLED"
	TaskSkipped   TaskStateValue = "SKIPPED"
)

func (v TaskStateValue) Valid() bool {
	switch v {
	case TaskWaiting, TaskRunning, TaskFinished, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// TaskState is one entry of a job's ordered sub-task list.
type TaskState struct {
	Name  string         `json:"name"`
	State TaskStateValue `json:"state"`
}

// DuplicatePolicy decides what a submission does when an in-flight job with
// the same key already exists.
type DuplicatePolicy string

const (
	// DuplicatePolicyQueue keeps the new job SUBMITTED until the duplicate finishes.
	DuplicatePolicyQueue DuplicatePolicy = "QUEUE"
	// DuplicatePolicyReject refuses the submission.
	DuplicatePolicyReject DuplicatePolicy = "REJECT"
	// DuplicatePolicyReplace requests cancellation of the older job and queues the new one.
	DuplicatePolicyReplace DuplicatePolicy = "REPLACE"
	// DuplicatePolicyIgnore drops the submission and returns the existing job.
	DuplicatePolicyIgnore DuplicatePolicy = "IGNORE"
)

func (p DuplicatePolicy) Valid() bool {
	switch p {
	case DuplicatePolicyQueue, DuplicatePolicyReject, DuplicatePolicyReplace, DuplicatePolicyIgnore:
		return true
	}
	return false
}
