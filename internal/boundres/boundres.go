// Package boundres manages the auxiliary resources that can be attached to
// jobs: public ingress points, floating network IPs and software licenses.
// All three share one lifecycle; they differ only in their parameter type
// and in whether a binding is exclusive.
package boundres

import (
	"context"

	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Kind describes one bound-resource kind.
type Kind struct {
	Kind      models.ResourceKind
	ParamType models.ParamType

	// Exclusive kinds accept at most one bound job at a time. Licenses are
	// shared; ingresses and network IPs are not.
	Exclusive bool

	// HasFirewall marks kinds whose provider-side object carries a firewall
	// rule set.
	HasFirewall bool
}

// Kinds enumerates every supported resource kind.
func Kinds() []Kind {
	return []Kind{
		{Kind: models.ResourceKindIngress, ParamType: models.ParamTypeIngress, Exclusive: true, HasFirewall: true},
		{Kind: models.ResourceKindNetworkIP, ParamType: models.ParamTypeNetworkIP, Exclusive: true, HasFirewall: true},
		{Kind: models.ResourceKindLicense, ParamType: models.ParamTypeLicense, Exclusive: false},
	}
}

// KindOf returns the Kind descriptor for k.
func KindOf(k models.ResourceKind) (Kind, bool) {
	for _, kind := range Kinds() {
		if kind.Kind == k {
			return kind, true
		}
	}
	return Kind{}, false
}

// referencesOf collects the resource ids of this kind referenced by a job's
// parameters and resource list. Invalid ids were already rejected during
// parameter validation.
func (k Kind) referencesOf(job *models.Job) []string {
	var ids []string
	for _, value := range job.Specification.Parameters {
		if value.Type == k.ParamType {
			ids = append(ids, value.ResourceID)
		}
	}
	for _, value := range job.Specification.Resources {
		if value.Type == k.ParamType {
			ids = append(ids, value.ResourceID)
		}
	}
	return ids
}

// ResourceGateway is the provider-facing surface the resource service needs.
// Implemented by provider.Gateway.
type ResourceGateway interface {
	CreateResource(ctx context.Context, providerID string, res *models.BoundResource) error
	DeleteResource(ctx context.Context, providerID string, res *models.BoundResource) error
	UpdateFirewall(ctx context.Context, providerID string, res *models.BoundResource, rules []models.FirewallRule) error
}
