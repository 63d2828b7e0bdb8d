package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrBindingConflict is returned when an exclusive binding is attempted on a
// resource that is already bound to another job.
var ErrBindingConflict = errors.New("resource already bound")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	GetProvider(ctx context.Context, id string) (*RegisteredProvider, error)
	UpsertProvider(ctx context.Context, p *RegisteredProvider) error

	// CreateJobs persists a batch of verified jobs, their write-once input
	// parameters and resource references, and the raw parameter export
	// snapshots, in a single transaction.
	CreateJobs(ctx context.Context, jobs []*models.Job, exports [][]byte) error
	GetJobs(ctx context.Context, ids []uuid.UUID, flags JobIncludeFlags) (map[uuid.UUID]*models.Job, error)
	BrowseJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	InsertJobUpdate(ctx context.Context, jobID uuid.UUID, update models.JobUpdate) error
	SetJobState(ctx context.Context, jobID uuid.UUID, state models.JobState) error
	AddCreditsCharged(ctx context.Context, jobID uuid.UUID, amount int64) error
	SetTimeAllocation(ctx context.Context, jobID uuid.UUID, millis int64) error
	SetOutputFolder(ctx context.Context, jobID uuid.UUID, folder string) error
	FindExpiredJobs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	RecordMissedPayment(ctx context.Context, mp *MissedPayment) error

	CreateResource(ctx context.Context, res *models.BoundResource) error
	GetResources(ctx context.Context, kind models.ResourceKind, ids []uuid.UUID) (map[uuid.UUID]*models.BoundResource, error)
	BrowseResources(ctx context.Context, kind models.ResourceKind, filter ResourceFilter) ([]*models.BoundResource, int, error)
	SetResourceState(ctx context.Context, kind models.ResourceKind, id uuid.UUID, state models.ResourceState, status *string) error
	DeleteResource(ctx context.Context, kind models.ResourceKind, id uuid.UUID) error

	// ApplyResourceBinding atomically mutates a resource's bound-to set and
	// appends the matching binding update. For binds on an exclusive kind the
	// mutation fails with ErrBindingConflict if the resource is already bound.
	ApplyResourceBinding(ctx context.Context, kind models.ResourceKind, id uuid.UUID, binding models.JobBinding, exclusive bool) error
}

// RegisteredProvider is a provider's registration row: its endpoint
// specification plus the refresh token used to authenticate calls to it.
type RegisteredProvider struct {
	Spec         models.ProviderSpecification
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobIncludeFlags control eager loading of a job's sub-resources on the read
// path.
type JobIncludeFlags struct {
	IncludeParameters bool
	IncludeUpdates    bool
}

type JobFilter struct {
	LaunchedBy  string
	Project     string
	State       models.JobState
	Application string
	Version     string
	Provider    string
	Page        int
	Limit       int

	Flags JobIncludeFlags
}

type ResourceFilter struct {
	LaunchedBy string
	Project    string
	State      models.ResourceState
	Provider   string
	Page       int
	Limit      int
}

// MissedPayment is a journal row recording a charge that could not be applied
// against the ledger and needs manual reconciliation.
type MissedPayment struct {
	ResourceID string
	ChargeID   string
	Amount     int64
	Error      string
	CreatedAt  time.Time
}

// normalizePagination clamps page/limit the way all browse queries expect.
func normalizePagination(page, limit int) (int, int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit, (page - 1) * limit
}
