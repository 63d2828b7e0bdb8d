package models

import (
	"time"

	"github.com/google/uuid"
)

// ResourceKind identifies one of the auxiliary resource kinds that can be
// bound to running jobs.
type ResourceKind string

const (
	ResourceKindIngress   ResourceKind = "ingress"
	ResourceKindLicense   ResourceKind = "license"
	ResourceKindNetworkIP ResourceKind = "network_ip"
)

// KindForParam maps a resource-typed parameter value to its kind.
func KindForParam(t ParamType) (ResourceKind, bool) {
	switch t {
	case ParamTypeIngress:
		return ResourceKindIngress, true
	case ParamTypeLicense:
		return ResourceKindLicense, true
	case ParamTypeNetworkIP:
		return ResourceKindNetworkIP, true
	}
	return "", false
}

// ResourceState is the lifecycle state of a bound resource. PREPARING and
// READY are non-terminal; only READY resources may be referenced by new jobs.
type ResourceState string

const (
	ResourceStatePreparing   ResourceState = "PREPARING"
	ResourceStateReady       ResourceState = "READY"
	ResourceStateUnavailable ResourceState = "UNAVAILABLE"
)

// BoundResource is the generic shape shared by ingress points, floating IPs
// and licenses. BoundTo holds the ids of the non-terminal jobs currently
// bound to it.
type BoundResource struct {
	ID      uuid.UUID        `db:"id"      json:"id"`
	Kind    ResourceKind     `db:"-"       json:"kind"`
	Owner   JobOwner         `db:"-"       json:"owner"`
	Product ProductReference `db:"-"       json:"product"`
	State   ResourceState    `db:"state"   json:"state"`
	BoundTo []uuid.UUID      `db:"bound_to" json:"bound_to"`

	// Address carries the kind-specific identity: a domain for ingresses, an
	// IP address for network IPs, a server address for licenses.
	Address   string    `db:"address"    json:"address"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Updates []ResourceUpdate `json:"updates,omitempty"`
}

// ResourceUpdate is one entry in a resource's append-only update log.
// Binding updates record jobs attaching to and detaching from the resource.
type ResourceUpdate struct {
	Timestamp time.Time      `json:"timestamp"`
	State     *ResourceState `json:"state,omitempty"`
	Status    *string        `json:"status,omitempty"`
	Binding   *JobBinding    `json:"binding,omitempty"`
}

// BindingKind distinguishes bind from unbind update records.
type BindingKind string

const (
	BindingKindBind   BindingKind = "BIND"
	BindingKindUnbind BindingKind = "UNBIND"
)

// JobBinding records one job attaching to or detaching from a resource.
type JobBinding struct {
	Kind BindingKind `json:"kind"`
	Job  uuid.UUID   `json:"job"`
}

// FirewallRule is an open port on an ingress point or network IP.
type FirewallRule struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// ResourceSpecification is the user-supplied description when provisioning a
// bound resource ahead of any job.
type ResourceSpecification struct {
	Product  ProductReference `json:"product"`
	Address  string           `json:"address,omitempty"`
	Firewall []FirewallRule   `json:"firewall,omitempty"`
}
