package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// RetrieveFlags selects which optional sub-resources to attach to jobs on
// the read path. Application, product and support resolution hit the catalog
// and provider layers (through their caches) rather than the job store.
type RetrieveFlags struct {
	IncludeParameters  bool
	IncludeUpdates     bool
	IncludeApplication bool
	IncludeProduct     bool
	IncludeSupport     bool
}

func (f RetrieveFlags) storeFlags() store.JobIncludeFlags {
	return store.JobIncludeFlags{
		IncludeParameters: f.IncludeParameters,
		IncludeUpdates:    f.IncludeUpdates,
	}
}

// BrowseRequest filters and paginates a job listing. Pagination follows the
// store's clamping rules.
type BrowseRequest struct {
	Project     *string
	State       models.JobState
	Application string
	Version     string
	Page        int
	Limit       int
	Flags       RetrieveFlags
}

// Retrieve returns a single job with the requested sub-resources attached.
// Actors without rights to the job observe it as missing.
func (o *Orchestrator) Retrieve(ctx context.Context, actor models.Actor, jobID uuid.UUID, flags RetrieveFlags) (*models.Job, error) {
	jobs, err := o.loadAndVerifyUserJobs(ctx, actor, []uuid.UUID{jobID}, flags.storeFlags())
	if err != nil {
		return nil, err
	}
	job := jobs[0]
	if err := o.attach(ctx, job, flags); err != nil {
		return nil, err
	}
	return job, nil
}

// Browse lists the actor's own jobs, or a project's jobs when a project
// filter is given.
func (o *Orchestrator) Browse(ctx context.Context, actor models.Actor, req BrowseRequest) ([]*models.Job, int, error) {
	filter := store.JobFilter{
		State:       req.State,
		Application: req.Application,
		Version:     req.Version,
		Page:        req.Page,
		Limit:       req.Limit,
		Flags:       req.Flags.storeFlags(),
	}
	if req.Project != nil {
		membership, err := o.identity.Membership(ctx, actor.Username, *req.Project)
		if err != nil {
			return nil, 0, apperrors.Internal("resolve project membership", err)
		}
		if !membership.Member {
			return nil, 0, apperrors.NotFound("project")
		}
		filter.Project = *req.Project
		if !membership.Admin {
			filter.LaunchedBy = actor.Username
		}
	} else {
		filter.LaunchedBy = actor.Username
	}

	jobs, total, err := o.store.BrowseJobs(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.Internal("browse jobs", err)
	}
	for _, job := range jobs {
		if err := o.attach(ctx, job, req.Flags); err != nil {
			return nil, 0, err
		}
	}
	return jobs, total, nil
}

// RetrievePrivileged loads jobs for a provider or the internal service
// identity, bypassing user-level ownership checks. Providers still only see
// their own jobs.
func (o *Orchestrator) RetrievePrivileged(ctx context.Context, actor models.Actor, ids []uuid.UUID, flags RetrieveFlags) ([]*models.Job, error) {
	var jobs map[uuid.UUID]*models.Job
	var err error
	switch actor.Role {
	case models.RoleProvider:
		jobs, err = o.loadProviderJobs(ctx, actor.Username, ids)
	case models.RoleService:
		jobs, err = o.store.GetJobs(ctx, ids, flags.storeFlags())
		if err != nil {
			err = apperrors.Internal("load jobs", err)
		}
	default:
		return nil, apperrors.Forbidden("privileged retrieval requires a provider or service identity")
	}
	if err != nil {
		return nil, err
	}

	out := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, ok := jobs[id]
		if !ok {
			return nil, apperrors.NotFound("job")
		}
		if err := o.attach(ctx, job, flags); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// attach resolves the optional application, product and support
// sub-resources through the catalog and support caches.
func (o *Orchestrator) attach(ctx context.Context, job *models.Job, flags RetrieveFlags) error {
	if flags.IncludeApplication && job.ResolvedApp == nil {
		app, err := o.catalog.ResolveApplication(ctx, job.Specification.Application)
		if err != nil {
			return apperrors.Internal("resolve application", err)
		}
		job.ResolvedApp = app
	}
	if flags.IncludeProduct && job.ResolvedProduct == nil {
		product, err := o.catalog.FindProduct(ctx, job.Specification.Product)
		if err != nil {
			return apperrors.Internal("resolve product", err)
		}
		job.ResolvedProduct = product
	}
	if flags.IncludeSupport && job.ResolvedSupport == nil {
		support, err := o.support.Lookup(ctx, job.Specification.Product)
		if err != nil {
			return apperrors.Internal("resolve provider support", err)
		}
		job.ResolvedSupport = support
	}
	return nil
}
