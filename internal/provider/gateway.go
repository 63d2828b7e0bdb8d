package provider

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Gateway is the operation-level view of the Registry: one method per
// provider API call, each resolving the handle (and refreshing it on auth
// failure) internally.
type Gateway struct {
	registry *Registry
}

func NewGateway(registry *Registry) *Gateway {
	return &Gateway{registry: registry}
}

func (g *Gateway) Endpoint(ctx context.Context, providerID string) (models.ProviderSpecification, error) {
	comm, err := g.registry.Communication(ctx, providerID)
	if err != nil {
		return models.ProviderSpecification{}, err
	}
	return comm.Spec(), nil
}

func (g *Gateway) CreateJobs(ctx context.Context, providerID string, jobs []*models.Job) error {
	return g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		return comm.CreateJobs(ctx, jobs)
	})
}

func (g *Gateway) DeleteJobs(ctx context.Context, providerID string, jobs []*models.Job) error {
	return g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		return comm.DeleteJobs(ctx, jobs)
	})
}

func (g *Gateway) ExtendJob(ctx context.Context, providerID string, job *models.Job, requestedMillis int64) error {
	return g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		return comm.ExtendJob(ctx, job, requestedMillis)
	})
}

func (g *Gateway) OpenInteractiveSession(ctx context.Context, providerID string, job *models.Job, rank int, sessionType models.InteractiveSessionType) (*models.OpenSession, error) {
	var session *models.OpenSession
	err := g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		var err error
		session, err = comm.OpenInteractiveSession(ctx, job, rank, sessionType)
		return err
	})
	return session, err
}

func (g *Gateway) RetrieveUtilization(ctx context.Context, providerID, category string) (*models.Utilization, error) {
	var util *models.Utilization
	err := g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		var err error
		util, err = comm.RetrieveUtilization(ctx, category)
		return err
	})
	return util, err
}

// Follow does not retry on auth failure: a broken stream is re-established
// by the follow subscription itself.
func (g *Gateway) Follow(ctx context.Context, providerID string, jobID uuid.UUID) (<-chan models.FollowMessage, error) {
	comm, err := g.registry.Communication(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return comm.Follow(ctx, jobID)
}

func (g *Gateway) CreateResource(ctx context.Context, providerID string, res *models.BoundResource) error {
	return g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		return comm.CreateResource(ctx, res)
	})
}

func (g *Gateway) DeleteResource(ctx context.Context, providerID string, res *models.BoundResource) error {
	return g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		return comm.DeleteResource(ctx, res)
	})
}

func (g *Gateway) UpdateFirewall(ctx context.Context, providerID string, res *models.BoundResource, rules []models.FirewallRule) error {
	return g.registry.Invoke(ctx, providerID, func(comm *Communication) error {
		return comm.UpdateFirewall(ctx, res, rules)
	})
}
