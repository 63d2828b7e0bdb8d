package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/api/middleware"
	"github.com/kiranshivaraju/conductor/internal/api/response"
	"github.com/kiranshivaraju/conductor/internal/orchestrator"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Control serves the provider-facing control endpoints. The authenticated
// actor is the provider itself; every operation is scoped to jobs that run
// at that provider.
type Control struct {
	orch *orchestrator.Orchestrator
}

func NewControl(orch *orchestrator.Orchestrator) *Control {
	return &Control{orch: orch}
}

type updateStateRequest struct {
	Items []struct {
		JobID  uuid.UUID        `json:"job_id"`
		Update models.JobUpdate `json:"update"`
	} `json:"items"`
}

func (h *Control) UpdateState(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)

	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	updates := make([]orchestrator.StateUpdateRequest, len(req.Items))
	for i, item := range req.Items {
		updates[i] = orchestrator.StateUpdateRequest{JobID: item.JobID, Update: item.Update}
	}
	if err := h.orch.UpdateState(r.Context(), actor.Username, updates); err != nil {
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}

type chargeRequest struct {
	Items []struct {
		JobID      uuid.UUID `json:"job_id"`
		ChargeID   string    `json:"charge_id"`
		WallMillis int64     `json:"wall_millis"`
	} `json:"items"`
}

func (h *Control) Charge(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	items := make([]orchestrator.ChargeItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = orchestrator.ChargeItem{JobID: item.JobID, ChargeID: item.ChargeID, WallMillis: item.WallMillis}
	}
	result, err := h.orch.Charge(r.Context(), actor.Username, items)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, result)
}

// RetrieveJobs returns the provider's view of its own jobs.
func (h *Control) RetrieveJobs(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)

	var ids []uuid.UUID
	for _, raw := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid job id "+raw, "")
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "The ids query parameter is required", "")
		return
	}

	jobs, err := h.orch.RetrievePrivileged(r.Context(), actor, ids, includeFlags(r))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, jobs)
}
