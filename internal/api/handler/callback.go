package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/conveyor/internal/api/response"
	"github.com/kiranshivaraju/conveyor/internal/backend"
	"github.com/kiranshivaraju/conveyor/internal/lifecycle"
	"github.com/kiranshivaraju/conveyor/internal/store"
	"github.com/kiranshivaraju/conveyor/pkg/models"
)

const maxCallbackBody = 1 << 20

// Callback events the execution backend reports.
const (
	EventScheduled          = "scheduled"
	EventRunning            = "running"
	EventFinished           = "finished"
	EventFailed             = "failed"
	EventAborted            = "aborted"
	EventCancelAcknowledged = "cancel_acknowledged"
	EventRevertRunning      = "revert_running"
	EventReverted           = "reverted"
	EventRevertFailed       = "revert_failed"
	EventTaskStates         = "task_states"
)

// eventSources lists the states each event may be applied to. A nil entry
// accepts any non-terminal state.
var eventSources = map[string][]models.JobState{
	EventScheduled:          {models.JobStateScheduling},
	EventRunning:            {models.JobStateScheduled},
	EventFinished:           {models.JobStateRunning},
	EventFailed:             {models.JobStateRunning},
	EventAborted:            {models.JobStateScheduling, models.JobStateScheduled, models.JobStateRunning},
	EventCancelAcknowledged: {models.JobStateCanceling},
	EventRevertRunning:      {models.JobStateRevertScheduled},
	EventReverted:           {models.JobStateRevertRunning},
	EventRevertFailed:       {models.JobStateRevertRunning},
	EventTaskStates:         nil,
}

type callbackRequest struct {
	Organization string             `json:"organization"`
	Workspace    string             `json:"workspace"`
	Project      string             `json:"project"`
	Event        string             `json:"event"`
	Handle       string             `json:"handle"`
	Message      string             `json:"message"`
	TaskStates   []models.TaskState `json:"task_states"`
}

type callbackResponse struct {
	ID    uuid.UUID       `json:"id"`
	State models.JobState `json:"state"`
}

// errStaleEvent marks an event that lost against a concurrent change.
var errStaleEvent = errors.New("job moved before the event could be applied")

// NewCallbackHandler returns an http.HandlerFunc for
// POST /api/v1/callbacks/jobs/{jobID}. Each event maps onto one lifecycle
// transition.
func NewCallbackHandler(st store.Store, m *lifecycle.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "jobID must be a UUID", nil)
			return
		}

		var req callbackRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		if req.Organization == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "organization is required", nil)
			return
		}
		sources, known := eventSources[req.Event]
		if !known {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				fmt.Sprintf("unknown event %q", req.Event), nil)
			return
		}
		if req.Event == EventTaskStates && len(req.TaskStates) == 0 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "task_states is required", nil)
			return
		}

		scope := models.Scope{Organization: req.Organization, Workspace: req.Workspace, Project: req.Project}
		job, err := st.GetJob(r.Context(), scope, jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.CodeNotFound, "Job not found", nil)
			return
		}
		if err != nil {
			slog.Error("failed to load job for callback", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to load job", nil)
			return
		}

		if job.State.IsTerminal() || (sources != nil && !slices.Contains(sources, job.State)) {
			response.Error(w, http.StatusConflict, response.CodeIllegalTransition,
				fmt.Sprintf("event %q does not apply to a %s job", req.Event, job.State),
				map[string]string{"state": string(job.State), "event": req.Event})
			return
		}

		err = applyEvent(r.Context(), m, job, req)
		switch {
		case err == nil:
		case errors.Is(err, errStaleEvent):
			response.Error(w, http.StatusConflict, response.CodeStaleEvent, err.Error(), nil)
			return
		case errors.Is(err, lifecycle.ErrIllegalTransition):
			response.Error(w, http.StatusConflict, response.CodeIllegalTransition, err.Error(), nil)
			return
		default:
			slog.Error("failed to apply callback", "job_id", jobID, "event", req.Event, "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to apply event", nil)
			return
		}

		slog.Info("callback applied", "job_id", job.ID, "event", req.Event, "state", job.State)
		response.JSON(w, callbackResponse{ID: job.ID, State: job.State})
	}
}

func applyEvent(ctx context.Context, m *lifecycle.Machine, job *models.Job, req callbackRequest) error {
	var (
		ok  bool
		err error
	)
	switch req.Event {
	case EventScheduled:
		ok, err = m.MarkScheduled(ctx, job, backend.Handle(req.Handle))
	case EventRunning:
		ok, err = m.MarkRunning(ctx, job)
	case EventFinished:
		ok, err = m.Finish(ctx, job)
	case EventFailed, EventRevertFailed:
		msg := req.Message
		if msg == "" {
			msg = "reported failed by backend"
		}
		ok, err = m.Fail(ctx, job, msg)
	case EventAborted:
		ok, err = m.Abort(ctx, job, req.Message)
	case EventCancelAcknowledged:
		ok, err = m.AcknowledgeCancel(ctx, job)
	case EventRevertRunning:
		ok, err = m.MarkRevertRunning(ctx, job)
	case EventReverted:
		ok, err = m.CompleteRevert(ctx, job)
	case EventTaskStates:
		ok, err = m.UpdateTaskStates(ctx, job, req.TaskStates)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errStaleEvent
	}
	return nil
}
