package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/api/middleware"
	"github.com/kiranshivaraju/conductor/internal/api/response"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/orchestrator"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Jobs serves the end-user job endpoints.
type Jobs struct {
	orch *orchestrator.Orchestrator
}

func NewJobs(orch *orchestrator.Orchestrator) *Jobs {
	return &Jobs{orch: orch}
}

type submitRequest struct {
	Project *string                  `json:"project,omitempty"`
	Items   []models.JobSpecification `json:"items"`
}

type submitResponse struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}

	ids, err := h.orch.StartJob(r.Context(), actor, req.Project, req.Items)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, submitResponse{IDs: ids})
}

func (h *Jobs) Browse(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	q := r.URL.Query()

	req := orchestrator.BrowseRequest{
		State:       models.JobState(q.Get("state")),
		Application: q.Get("application"),
		Version:     q.Get("version"),
		Page:        intParam(q.Get("page")),
		Limit:       intParam(q.Get("limit")),
		Flags:       includeFlags(r),
	}
	if project := q.Get("project"); project != "" {
		req.Project = &project
	}

	jobs, total, err := h.orch.Browse(r.Context(), actor, req)
	if err != nil {
		response.FromError(w, err)
		return
	}
	page, limit := req.Page, req.Limit
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	response.Collection(w, jobs, response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	})
}

func (h *Jobs) Retrieve(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := h.orch.Retrieve(r.Context(), actor, id, includeFlags(r))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, job)
}

type cancelRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	if err := h.orch.Cancel(r.Context(), actor, req.IDs); err != nil {
		response.FromError(w, err)
		return
	}
	response.Accepted(w, nil)
}

type extendRequest struct {
	Items []struct {
		ID               uuid.UUID `json:"id"`
		AdditionalMillis int64     `json:"additional_millis"`
	} `json:"items"`
}

func (h *Jobs) Extend(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	reqs := make([]orchestrator.ExtendRequest, len(req.Items))
	for i, item := range req.Items {
		reqs[i] = orchestrator.ExtendRequest{JobID: item.ID, AdditionalMillis: item.AdditionalMillis}
	}
	if err := h.orch.Extend(r.Context(), actor, reqs); err != nil {
		response.FromError(w, err)
		return
	}
	response.Accepted(w, nil)
}

type sessionRequest struct {
	Items []struct {
		ID          uuid.UUID                     `json:"id"`
		Rank        int                           `json:"rank"`
		SessionType models.InteractiveSessionType `json:"session_type"`
	} `json:"items"`
}

func (h *Jobs) InteractiveSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	reqs := make([]orchestrator.SessionRequest, len(req.Items))
	for i, item := range req.Items {
		reqs[i] = orchestrator.SessionRequest{JobID: item.ID, Rank: item.Rank, SessionType: item.SessionType}
	}
	sessions, err := h.orch.OpenInteractiveSession(r.Context(), actor, reqs)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, sessions)
}

func (h *Jobs) Utilization(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	util, err := h.orch.RetrieveUtilization(r.Context(), actor, id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, util)
}

// Follow streams newline-delimited JSON follow events until the job ends or
// the client disconnects. Closing the connection cancels the subscription
// only, never the job.
func (h *Jobs) Follow(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		response.Error(w, http.StatusInternalServerError, apperrors.CodeInternal, "Streaming is not supported", "")
		return
	}

	// Authorize before committing the response status; the stream itself
	// can no longer signal errors once headers are out.
	if _, err := h.orch.Retrieve(r.Context(), actor, id, orchestrator.RetrieveFlags{}); err != nil {
		response.FromError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	sink := orchestrator.FollowSinkFunc(func(event models.FollowEvent) error {
		if err := encoder.Encode(event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	// Headers are already out; a late error can only end the stream.
	_ = h.orch.Follow(r.Context(), actor, id, sink)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid job id", "")
		return uuid.UUID{}, false
	}
	return id, true
}

func includeFlags(r *http.Request) orchestrator.RetrieveFlags {
	q := r.URL.Query()
	return orchestrator.RetrieveFlags{
		IncludeParameters:  boolParam(q.Get("include_parameters")),
		IncludeUpdates:     boolParam(q.Get("include_updates")),
		IncludeApplication: boolParam(q.Get("include_application")),
		IncludeProduct:     boolParam(q.Get("include_product")),
		IncludeSupport:     boolParam(q.Get("include_support")),
	}
}

func boolParam(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func intParam(v string) int {
	i, _ := strconv.Atoi(v)
	return i
}
