package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/api/middleware"
	"github.com/kiranshivaraju/conductor/internal/api/response"
	"github.com/kiranshivaraju/conductor/internal/boundres"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Resources serves the bound-resource endpoints: ingress points, network IPs
// and licenses, multiplexed on a kind path segment.
type Resources struct {
	svc *boundres.Service
}

func NewResources(svc *boundres.Service) *Resources {
	return &Resources{svc: svc}
}

type provisionRequest struct {
	Project       *string                      `json:"project,omitempty"`
	Specification models.ResourceSpecification `json:"specification"`
}

func (h *Resources) Provision(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	res, err := h.svc.Provision(r.Context(), actor, req.Project, kind, req.Specification)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, res)
}

func (h *Resources) Browse(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := boundres.BrowseRequest{
		State:    models.ResourceState(q.Get("state")),
		Provider: q.Get("provider"),
		Page:     intParam(q.Get("page")),
		Limit:    intParam(q.Get("limit")),
	}
	if project := q.Get("project"); project != "" {
		req.Project = &project
	}

	resources, total, err := h.svc.Browse(r.Context(), actor, kind, req)
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
	response.Collection(w, resources, response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	})
}

func (h *Resources) Retrieve(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	kind, id, ok := pathKindAndID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Retrieve(r.Context(), actor, kind, id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, res)
}

func (h *Resources) Delete(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	kind, id, ok := pathKindAndID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), actor, kind, id); err != nil {
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}

type firewallRequest struct {
	Rules []models.FirewallRule `json:"rules"`
}

func (h *Resources) UpdateFirewall(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	kind, id, ok := pathKindAndID(w, r)
	if !ok {
		return
	}

	var req firewallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	if err := h.svc.UpdateFirewall(r.Context(), actor, kind, id, req.Rules); err != nil {
		response.FromError(w, err)
		return
	}
	response.Accepted(w, nil)
}

type resourceStateRequest struct {
	State  models.ResourceState `json:"state"`
	Status *string              `json:"status,omitempty"`
}

// UpdateState applies a provider-reported resource state change.
func (h *Resources) UpdateState(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	kind, id, ok := pathKindAndID(w, r)
	if !ok {
		return
	}

	var req resourceStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	if err := h.svc.UpdateState(r.Context(), actor.Username, kind, id, req.State, req.Status); err != nil {
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}

func pathKind(w http.ResponseWriter, r *http.Request) (models.ResourceKind, bool) {
	kind := models.ResourceKind(chi.URLParam(r, "kind"))
	if _, ok := boundres.KindOf(kind); !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_KIND", "Unknown resource kind "+string(kind), "")
		return "", false
	}
	return kind, true
}

func pathKindAndID(w http.ResponseWriter, r *http.Request) (models.ResourceKind, uuid.UUID, bool) {
	kind, ok := pathKind(w, r)
	if !ok {
		return "", uuid.UUID{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "resourceID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid resource id", "")
		return "", uuid.UUID{}, false
	}
	return kind, id, true
}
