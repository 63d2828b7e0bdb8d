package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/catalog"
	"github.com/kiranshivaraju/conductor/internal/identity"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// SupportResolver resolves the feature flags a provider declares for a
// product. Implemented by provider.SupportCache.
type SupportResolver interface {
	Lookup(ctx context.Context, ref models.ProductReference) (*models.ComputeSupport, error)
}

// Verifier turns an unverified job specification into a queued Job, or
// rejects it with a user-correctable verification error. Every step is a
// hard gate; the order is load-bearing (cheap descriptor checks before
// remote lookups).
type Verifier struct {
	store     store.Store
	catalog   catalog.Client
	support   SupportResolver
	identity  identity.Client
	listeners *Listeners
}

func NewVerifier(s store.Store, cat catalog.Client, support SupportResolver, id identity.Client, listeners *Listeners) *Verifier {
	return &Verifier{store: s, catalog: cat, support: support, identity: id, listeners: listeners}
}

// Verify validates spec for owner and constructs the queued job. The
// returned job carries its resolved application, product and support
// documents so later pipeline stages need no second lookup.
func (v *Verifier) Verify(ctx context.Context, owner models.JobOwner, spec models.JobSpecification) (*models.Job, error) {
	app, err := v.catalog.ResolveApplication(ctx, spec.Application)
	if err != nil {
		if errors.Is(err, catalog.ErrEntryNotFound) {
			return nil, apperrors.Verification("application", "unknown application %s version %s",
				spec.Application.Name, spec.Application.Version)
		}
		return nil, apperrors.Internal("resolve application", err)
	}

	if spec.Parameters == nil {
		return nil, apperrors.Verification("parameters", "job parameters are required")
	}
	if spec.Resources == nil {
		return nil, apperrors.Verification("resources", "job resources are required")
	}
	if spec.TimeAllocationMillis != nil && *spec.TimeAllocationMillis <= 0 {
		return nil, apperrors.Verification("time_allocation_millis", "time allocation must be positive")
	}

	product, err := v.catalog.FindProduct(ctx, spec.Product)
	if err != nil {
		if errors.Is(err, catalog.ErrEntryNotFound) {
			return nil, apperrors.Verification("product", "unknown product %s/%s at provider %s",
				spec.Product.Category, spec.Product.ID, spec.Product.Provider)
		}
		return nil, apperrors.Internal("resolve product", err)
	}

	support, err := v.support.Lookup(ctx, spec.Product)
	if err != nil {
		return nil, apperrors.Internal("resolve provider support", err)
	}
	if !support.BackendEnabled(app.Tool.Backend) {
		return nil, apperrors.Verification("application", "provider %s does not support %s applications",
			spec.Product.Provider, app.Tool.Backend)
	}

	parameters, err := checkParameters(app, spec.Parameters)
	if err != nil {
		return nil, err
	}

	if err := v.checkPeers(ctx, owner, spec, parameters); err != nil {
		return nil, err
	}

	if owner.Project != nil {
		membership, err := v.identity.Membership(ctx, owner.LaunchedBy, *owner.Project)
		if err != nil {
			return nil, apperrors.Internal("resolve project membership", err)
		}
		if !membership.Member {
			return nil, apperrors.Forbidden(fmt.Sprintf("%s is not a member of project %s",
				owner.LaunchedBy, *owner.Project))
		}
	}

	now := time.Now().UTC()
	verified := spec
	verified.Parameters = parameters
	if verified.TimeAllocationMillis == nil && app.Tool.DefaultTimeAllocMillis > 0 {
		alloc := app.Tool.DefaultTimeAllocMillis
		verified.TimeAllocationMillis = &alloc
	}
	if verified.Replicas < 1 {
		verified.Replicas = app.Tool.DefaultReplicas
		if verified.Replicas < 1 {
			verified.Replicas = 1
		}
	}

	state := models.JobStateInQueue
	status := "Job verified and queued"
	job := &models.Job{
		ID:            uuid.New(),
		Owner:         owner,
		Specification: verified,
		Status:        models.JobStatus{State: state},
		Billing:       models.JobBilling{PricePerUnit: product.PricePerUnit},
		CreatedAt:     now,
		UpdatedAt:     now,
		Updates: []models.JobUpdate{
			{Timestamp: now, State: &state, Status: &status},
		},
		ResolvedApp:     app,
		ResolvedProduct: product,
		ResolvedSupport: support,
	}

	if err := v.listeners.notifyVerified(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// checkParameters validates every declared parameter against the supplied
// value and applies declared defaults for omitted optional parameters.
func checkParameters(app *models.Application, supplied map[string]models.AppParameterValue) (map[string]models.AppParameterValue, error) {
	out := make(map[string]models.AppParameterValue, len(supplied))
	for name, value := range supplied {
		out[name] = value
	}

	for _, decl := range app.Parameters {
		value, ok := out[decl.Name]
		if !ok {
			if decl.DefaultValue != nil {
				out[decl.Name] = *decl.DefaultValue
				continue
			}
			if decl.Optional {
				continue
			}
			return nil, apperrors.Verification(decl.Name, "missing required parameter %q", decl.Name)
		}
		if !value.Matches(decl.Type) {
			return nil, apperrors.Verification(decl.Name, "parameter %q must be a valid %s value", decl.Name, decl.Type)
		}
	}
	return out, nil
}

// checkPeers validates all peer connections: explicit peer parameters plus
// peer-typed resources. Hostnames must be unique and every referenced job
// must exist and belong to the requester.
func (v *Verifier) checkPeers(ctx context.Context, owner models.JobOwner, spec models.JobSpecification, parameters map[string]models.AppParameterValue) error {
	var peers []models.AppParameterValue
	for _, value := range parameters {
		if value.Type == models.ParamTypePeer {
			peers = append(peers, value)
		}
	}
	for _, value := range spec.Resources {
		if value.Type == models.ParamTypePeer {
			peers = append(peers, value)
		}
	}
	if len(peers) == 0 {
		return nil
	}

	hostnames := make(map[string]bool, len(peers))
	ids := make([]uuid.UUID, 0, len(peers))
	for _, peer := range peers {
		if hostnames[peer.Hostname] {
			return apperrors.Verification("peers", "duplicate peer hostname %q", peer.Hostname)
		}
		hostnames[peer.Hostname] = true

		id, err := uuid.Parse(peer.JobID)
		if err != nil {
			return apperrors.Verification("peers", "peer %q references an invalid job id", peer.Hostname)
		}
		ids = append(ids, id)
	}

	jobs, err := v.store.GetJobs(ctx, ids, store.JobIncludeFlags{})
	if err != nil {
		return apperrors.Internal("resolve peer jobs", err)
	}
	for _, id := range ids {
		peerJob, ok := jobs[id]
		if !ok || peerJob.Owner.LaunchedBy != owner.LaunchedBy {
			return apperrors.Verification("peers", "peer job %s not found", id)
		}
	}
	return nil
}
