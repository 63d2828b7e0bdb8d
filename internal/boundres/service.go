package boundres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/identity"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Service is the user-facing surface for bound resources: provisioning,
// listing, firewall management and deletion. Binding to jobs happens through
// the per-kind Listeners, not here.
type Service struct {
	store    store.Store
	gateway  ResourceGateway
	identity identity.Client
	logger   *slog.Logger
}

func NewService(s store.Store, gateway ResourceGateway, id identity.Client, logger *slog.Logger) *Service {
	return &Service{store: s, gateway: gateway, identity: id, logger: logger}
}

// Provision creates a resource of the given kind and asks its provider to
// build it. The resource starts in PREPARING; the provider flips it to READY
// through UpdateState once the underlying object exists.
func (s *Service) Provision(ctx context.Context, actor models.Actor, project *string, kind models.ResourceKind, spec models.ResourceSpecification) (*models.BoundResource, error) {
	descriptor, ok := KindOf(kind)
	if !ok {
		return nil, apperrors.Verification("kind", "unknown resource kind %q", kind)
	}
	if spec.Product.Provider == "" {
		return nil, apperrors.Verification("product", "a product reference is required")
	}
	if len(spec.Firewall) > 0 && !descriptor.HasFirewall {
		return nil, apperrors.Verification("firewall", "%s resources carry no firewall", kind)
	}
	if project != nil {
		membership, err := s.identity.Membership(ctx, actor.Username, *project)
		if err != nil {
			return nil, apperrors.Internal("resolve project membership", err)
		}
		if !membership.Member {
			return nil, apperrors.Forbidden(fmt.Sprintf("%s is not a member of project %s", actor.Username, *project))
		}
	}

	now := time.Now().UTC()
	res := &models.BoundResource{
		ID:        uuid.New(),
		Kind:      kind,
		Owner:     models.JobOwner{LaunchedBy: actor.Username, Project: project},
		Product:   spec.Product,
		State:     models.ResourceStatePreparing,
		Address:   spec.Address,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateResource(ctx, res); err != nil {
		return nil, apperrors.Internal("persist resource", err)
	}

	if err := s.gateway.CreateResource(ctx, spec.Product.Provider, res); err != nil {
		// The provider never saw the resource; remove the record again.
		if delErr := s.store.DeleteResource(ctx, kind, res.ID); delErr != nil {
			s.logger.Error("removing unprovisioned resource failed",
				"kind", kind, "resource_id", res.ID, "error", delErr)
		}
		return nil, apperrors.Internal("provision resource at provider", err)
	}

	if len(spec.Firewall) > 0 {
		if err := s.gateway.UpdateFirewall(ctx, spec.Product.Provider, res, spec.Firewall); err != nil {
			s.logger.Error("applying initial firewall failed",
				"kind", kind, "resource_id", res.ID, "error", err)
		}
	}
	return res, nil
}

// Retrieve returns one resource. Actors without rights observe it as
// missing.
func (s *Service) Retrieve(ctx context.Context, actor models.Actor, kind models.ResourceKind, id uuid.UUID) (*models.BoundResource, error) {
	return s.loadAndVerify(ctx, actor, kind, id)
}

// BrowseRequest filters a resource listing.
type BrowseRequest struct {
	Project  *string
	State    models.ResourceState
	Provider string
	Page     int
	Limit    int
}

// Browse lists the actor's own resources of one kind, or a project's
// resources when a project filter is given.
func (s *Service) Browse(ctx context.Context, actor models.Actor, kind models.ResourceKind, req BrowseRequest) ([]*models.BoundResource, int, error) {
	if _, ok := KindOf(kind); !ok {
		return nil, 0, apperrors.Verification("kind", "unknown resource kind %q", kind)
	}
	filter := store.ResourceFilter{
		State:    req.State,
		Provider: req.Provider,
		Page:     req.Page,
		Limit:    req.Limit,
	}
	if req.Project != nil {
		membership, err := s.identity.Membership(ctx, actor.Username, *req.Project)
		if err != nil {
			return nil, 0, apperrors.Internal("resolve project membership", err)
		}
		if !membership.Member {
			return nil, 0, apperrors.NotFound("project")
		}
		filter.Project = *req.Project
	} else {
		filter.LaunchedBy = actor.Username
	}

	resources, total, err := s.store.BrowseResources(ctx, kind, filter)
	if err != nil {
		return nil, 0, apperrors.Internal("browse resources", err)
	}
	return resources, total, nil
}

// UpdateState applies a provider-reported state change. READY and
// UNAVAILABLE both come from here; user requests never change state
// directly.
func (s *Service) UpdateState(ctx context.Context, providerID string, kind models.ResourceKind, id uuid.UUID, state models.ResourceState, status *string) error {
	resources, err := s.store.GetResources(ctx, kind, []uuid.UUID{id})
	if err != nil {
		return apperrors.Internal("load resource", err)
	}
	res, ok := resources[id]
	if !ok {
		return apperrors.NotFound(string(kind))
	}
	if res.Product.Provider != providerID {
		return apperrors.Forbidden(fmt.Sprintf("%s %s does not belong to provider %s", kind, id, providerID))
	}

	if err := s.store.SetResourceState(ctx, kind, id, state, status); err != nil {
		return apperrors.Internal("apply resource state", err)
	}
	return nil
}

// UpdateFirewall replaces the firewall rule set of an ingress or network IP.
func (s *Service) UpdateFirewall(ctx context.Context, actor models.Actor, kind models.ResourceKind, id uuid.UUID, rules []models.FirewallRule) error {
	descriptor, ok := KindOf(kind)
	if !ok || !descriptor.HasFirewall {
		return apperrors.Verification("kind", "%s resources carry no firewall", kind)
	}
	res, err := s.loadAndVerify(ctx, actor, kind, id)
	if err != nil {
		return err
	}
	if err := s.gateway.UpdateFirewall(ctx, res.Product.Provider, res, rules); err != nil {
		return apperrors.Internal("update firewall", err)
	}
	return nil
}

// Delete releases a resource at its provider and removes the record. A
// resource still bound to a job cannot be deleted.
func (s *Service) Delete(ctx context.Context, actor models.Actor, kind models.ResourceKind, id uuid.UUID) error {
	res, err := s.loadAndVerify(ctx, actor, kind, id)
	if err != nil {
		return err
	}
	if len(res.BoundTo) > 0 {
		return apperrors.Duplicate(string(kind), fmt.Sprintf("%s %s is still bound to %d job(s)", kind, id, len(res.BoundTo)))
	}

	if err := s.gateway.DeleteResource(ctx, res.Product.Provider, res); err != nil {
		return apperrors.Internal("release resource at provider", err)
	}
	if err := s.store.DeleteResource(ctx, kind, id); err != nil {
		// A job bound between the check above and the delete. The provider
		// object is gone, which the next state report will surface.
		return apperrors.Internal("remove resource record", err)
	}
	return nil
}

func (s *Service) loadAndVerify(ctx context.Context, actor models.Actor, kind models.ResourceKind, id uuid.UUID) (*models.BoundResource, error) {
	resources, err := s.store.GetResources(ctx, kind, []uuid.UUID{id})
	if err != nil {
		return nil, apperrors.Internal("load resource", err)
	}
	res, ok := resources[id]
	if !ok {
		return nil, apperrors.NotFound(string(kind))
	}
	if err := s.authorize(ctx, actor, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) authorize(ctx context.Context, actor models.Actor, res *models.BoundResource) error {
	if actor.IsSystem() {
		return nil
	}
	if actor.Role == models.RoleUser && res.Owner.LaunchedBy == actor.Username {
		return nil
	}
	if actor.Role == models.RoleUser && res.Owner.Project != nil {
		membership, err := s.identity.Membership(ctx, actor.Username, *res.Owner.Project)
		if err != nil {
			return apperrors.Internal("resolve project membership", err)
		}
		if membership.Member {
			return nil
		}
	}
	return apperrors.NotFound(string(res.Kind))
}
