package lifecycle

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/conveyor/pkg/models"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrNotCancellable    = errors.New("job is not cancellable")
	ErrNotTerminal       = errors.New("job is not in a terminal state")
)

// IllegalTransitionError names the rejected edge.
type IllegalTransitionError struct {
	From models.JobState
	To   models.JobState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// transitions is the legal edge set. Back-edges exist only for resets:
// SCHEDULING -> READY_FOR_SCHEDULING, CANCELING -> SCHEDULED/RUNNING and
// REVERT_SCHEDULING -> READY_FOR_REVERT.
var transitions = map[models.JobState][]models.JobState{
	models.JobStateSubmitted: {
		models.JobStateReadyForScheduling,
		models.JobStateCancelled,
	},
	models.JobStateReadyForScheduling: {
		models.JobStateScheduling,
		models.JobStateCancelled,
	},
	models.JobStateScheduling: {
		models.JobStateScheduled,
		models.JobStateReadyForRevert,
		models.JobStateFailed,
		models.JobStateReadyForScheduling,
	},
	models.JobStateScheduled: {
		models.JobStateRunning,
		models.JobStateCanceling,
		models.JobStateReadyForRevert,
	},
	models.JobStateRunning: {
		models.JobStateCanceling,
		models.JobStateFinished,
		models.JobStateFailed,
		models.JobStateReadyForRevert,
	},
	models.JobStateCanceling: {
		models.JobStateReadyForRevert,
		models.JobStateScheduled,
		models.JobStateRunning,
	},
	models.JobStateReadyForRevert: {
		models.JobStateRevertScheduling,
	},
	models.JobStateRevertScheduling: {
		models.JobStateRevertScheduled,
		models.JobStateReadyForRevert,
		models.JobStateFailed,
	},
	models.JobStateRevertScheduled: {
		models.JobStateRevertRunning,
	},
	models.JobStateRevertRunning: {
		models.JobStateCancelled,
		models.JobStateFailed,
	},
}

// CanTransition reports whether from -> to is a legal edge. A same-state
// update is always legal; it only changes fields other than state.
func CanTransition(from, to models.JobState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// isPickState reports whether entering s starts a processing attempt that
// the resetting loop may time out.
func isPickState(s models.JobState) bool {
	switch s {
	case models.JobStateScheduling, models.JobStateRevertScheduling, models.JobStateCanceling:
		return true
	}
	return false
}
