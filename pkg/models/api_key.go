package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKeyKind distinguishes end-user keys from provider callback keys.
type APIKeyKind string

const (
	APIKeyKindUser     APIKeyKind = "user"
	APIKeyKindProvider APIKeyKind = "provider"
)

// APIKey authenticates a caller. User keys map to a username; provider keys
// map to the provider identifier they act for.
type APIKey struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	Kind       APIKeyKind `db:"kind"        json:"kind"`
	Subject    string     `db:"subject"     json:"subject"`
	Name       string     `db:"name"        json:"name"`
	KeyHash    string     `db:"key_hash"    json:"-"`
	KeyPrefix  string     `db:"key_prefix"  json:"key_prefix"`
	Scopes     []string   `db:"scopes"      json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"  json:"-"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"  json:"updated_at"`
}

// ActorRole is the privilege class of an authenticated caller.
type ActorRole string

const (
	RoleUser     ActorRole = "user"
	RoleProvider ActorRole = "provider"
	RoleService  ActorRole = "service"
)

// Actor is the authenticated identity a request acts as. For provider actors
// Username holds the provider identifier.
type Actor struct {
	Username string    `json:"username"`
	Role     ActorRole `json:"role"`
}

// SystemActor is the internal service identity, allowed to act on any job.
var SystemActor = Actor{Username: "_conductor", Role: RoleService}

// IsSystem reports whether the actor is the internal service identity.
func (a Actor) IsSystem() bool { return a.Role == RoleService }
