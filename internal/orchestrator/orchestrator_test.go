package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/boundres"
	"github.com/kiranshivaraju/conductor/internal/catalog"
	"github.com/kiranshivaraju/conductor/internal/identity"
	"github.com/kiranshivaraju/conductor/internal/payment"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory job store for pipeline tests. Only the methods
// the orchestrator touches are implemented; everything else panics through
// the embedded nil interface.
type memStore struct {
	store.Store

	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	updates   map[uuid.UUID][]models.JobUpdate
	order     []uuid.UUID
	resources map[models.ResourceKind]map[uuid.UUID]*models.BoundResource

	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[uuid.UUID]*models.Job),
		updates:   make(map[uuid.UUID][]models.JobUpdate),
		resources: make(map[models.ResourceKind]map[uuid.UUID]*models.BoundResource),
	}
}

func (m *memStore) CreateJobs(_ context.Context, jobs []*models.Job, exports [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if len(exports) != len(jobs) {
		return fmt.Errorf("expected %d exports, got %d", len(jobs), len(exports))
	}
	for _, job := range jobs {
		copied := *job
		m.jobs[job.ID] = &copied
		m.updates[job.ID] = append([]models.JobUpdate(nil), job.Updates...)
		m.order = append(m.order, job.ID)
	}
	return nil
}

func (m *memStore) GetJobs(_ context.Context, ids []uuid.UUID, flags store.JobIncludeFlags) (map[uuid.UUID]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*models.Job, len(ids))
	for _, id := range ids {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		copied := *job
		if flags.IncludeUpdates {
			copied.Updates = append([]models.JobUpdate(nil), m.updates[id]...)
		} else {
			copied.Updates = nil
		}
		// Mirror the Postgres store: parameter and resource rows live in
		// side tables and come back only when asked for.
		if !flags.IncludeParameters {
			copied.Specification.Parameters = nil
			copied.Specification.Resources = nil
		}
		out[id] = &copied
	}
	return out, nil
}

func (m *memStore) BrowseJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for i := len(m.order) - 1; i >= 0; i-- {
		job := m.jobs[m.order[i]]
		if filter.LaunchedBy != "" && job.Owner.LaunchedBy != filter.LaunchedBy {
			continue
		}
		copied := *job
		out = append(out, &copied)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, len(out), nil
}

func (m *memStore) InsertJobUpdate(_ context.Context, jobID uuid.UUID, update models.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return store.ErrNotFound
	}
	m.updates[jobID] = append(m.updates[jobID], update)
	return nil
}

func (m *memStore) SetJobState(_ context.Context, jobID uuid.UUID, state models.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	job.Status.State = state
	if state == models.JobStateRunning && job.Status.StartedAt == nil {
		now := time.Now().UTC()
		job.Status.StartedAt = &now
	}
	return nil
}

func (m *memStore) SetTimeAllocation(_ context.Context, jobID uuid.UUID, millis int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	job.Specification.TimeAllocationMillis = &millis
	return nil
}

func (m *memStore) GetResources(_ context.Context, kind models.ResourceKind, ids []uuid.UUID) (map[uuid.UUID]*models.BoundResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*models.BoundResource, len(ids))
	for _, id := range ids {
		res, ok := m.resources[kind][id]
		if !ok {
			continue
		}
		copied := *res
		copied.BoundTo = append([]uuid.UUID(nil), res.BoundTo...)
		out[id] = &copied
	}
	return out, nil
}

func (m *memStore) ApplyResourceBinding(_ context.Context, kind models.ResourceKind, id uuid.UUID, binding models.JobBinding, exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[kind][id]
	if !ok {
		return store.ErrNotFound
	}
	switch binding.Kind {
	case models.BindingKindBind:
		for _, bound := range res.BoundTo {
			if bound == binding.Job {
				return nil
			}
		}
		if exclusive && len(res.BoundTo) > 0 {
			return store.ErrBindingConflict
		}
		res.BoundTo = append(res.BoundTo, binding.Job)
	case models.BindingKindUnbind:
		var kept []uuid.UUID
		for _, bound := range res.BoundTo {
			if bound != binding.Job {
				kept = append(kept, bound)
			}
		}
		res.BoundTo = kept
	}
	return nil
}

func (m *memStore) addResource(res *models.BoundResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resources[res.Kind] == nil {
		m.resources[res.Kind] = make(map[uuid.UUID]*models.BoundResource)
	}
	m.resources[res.Kind][res.ID] = res
}

func (m *memStore) boundTo(kind models.ResourceKind, id uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.resources[kind][id].BoundTo...)
}

func (m *memStore) state(id uuid.UUID) models.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status.State
}

func (m *memStore) updateCount(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates[id])
}

// memCache is an in-memory cache.Cache.
type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	states map[uuid.UUID]string
	leases map[string]string
}

func newMemCache() *memCache {
	return &memCache{
		data:   make(map[string][]byte),
		states: make(map[uuid.UUID]string),
		leases: make(map[string]string),
	}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) SetJobState(_ context.Context, jobID uuid.UUID, state string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[jobID] = state
	return nil
}

func (c *memCache) GetJobState(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.states[jobID]
	return v, ok, nil
}

func (c *memCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	return 1, nil
}

func (c *memCache) AcquireLease(_ context.Context, key, holder string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.leases[key]; held {
		return false, nil
	}
	c.leases[key] = holder
	return true, nil
}

func (c *memCache) RenewLease(_ context.Context, key, holder string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leases[key] == holder, nil
}

func (c *memCache) ReleaseLease(_ context.Context, key, holder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leases[key] == holder {
		delete(c.leases, key)
	}
	return nil
}

// fakeCatalog resolves applications and products from fixed maps.
type fakeCatalog struct {
	apps     map[string]*models.Application
	products map[string]*models.Product
}

func (f *fakeCatalog) ResolveApplication(_ context.Context, app models.NameAndVersion) (*models.Application, error) {
	a, ok := f.apps[app.Name+"/"+app.Version]
	if !ok {
		return nil, catalog.ErrEntryNotFound
	}
	return a, nil
}

func (f *fakeCatalog) FindProduct(_ context.Context, ref models.ProductReference) (*models.Product, error) {
	p, ok := f.products[ref.Provider+"/"+ref.Category+"/"+ref.ID]
	if !ok {
		return nil, catalog.ErrEntryNotFound
	}
	return p, nil
}

func (f *fakeCatalog) Ready(context.Context) error { return nil }

type fakeSupport struct {
	support models.ComputeSupport
	err     error
}

func (f *fakeSupport) Lookup(_ context.Context, ref models.ProductReference) (*models.ComputeSupport, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := f.support
	s.Product = ref
	return &s, nil
}

// fakeIdentity answers membership queries from a map keyed user/project and
// records token invalidations.
type fakeIdentity struct {
	mu          sync.Mutex
	memberships map[string]identity.Membership
	invalidated []string
}

func (f *fakeIdentity) Membership(_ context.Context, username, project string) (identity.Membership, error) {
	return f.memberships[username+"/"+project], nil
}

func (f *fakeIdentity) InvalidateTokens(_ context.Context, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, subject)
	return nil
}

// fakePayments records billing calls and returns scripted results.
type fakePayments struct {
	mu sync.Mutex

	reserveErrAfter int // fail the Nth reservation (1-based); 0 disables
	reserveErr      error
	chargeOutcome   payment.ChargeOutcome
	chargeErr       error

	reserved []uuid.UUID
	released []uuid.UUID
	charges  []string
}

func (f *fakePayments) Reserve(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErrAfter > 0 && len(f.reserved)+1 >= f.reserveErrAfter {
		return f.reserveErr
	}
	f.reserved = append(f.reserved, job.ID)
	return nil
}

func (f *fakePayments) Release(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, job.ID)
	return nil
}

func (f *fakePayments) Charge(_ context.Context, job *models.Job, chargeID string, _ int64) (payment.ChargeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return "", f.chargeErr
	}
	f.charges = append(f.charges, chargeID)
	if f.chargeOutcome != "" {
		return f.chargeOutcome, nil
	}
	return payment.ChargeOutcomeCharged, nil
}

// fakeGateway records provider calls and fails dispatch for providers listed
// in failCreate.
type fakeGateway struct {
	mu sync.Mutex

	failCreate map[string]bool
	extendErr  error

	created map[string][]uuid.UUID
	deleted map[string][]uuid.UUID
	extends []int64

	session *models.OpenSession
	util    *models.Utilization
	follow  chan models.FollowMessage
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		failCreate: make(map[string]bool),
		created:    make(map[string][]uuid.UUID),
		deleted:    make(map[string][]uuid.UUID),
	}
}

func (f *fakeGateway) Endpoint(_ context.Context, providerID string) (models.ProviderSpecification, error) {
	return models.ProviderSpecification{ID: providerID, Domain: providerID + ".example.com", HTTPS: true}, nil
}

func (f *fakeGateway) CreateJobs(_ context.Context, providerID string, jobs []*models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[providerID] {
		return errors.New("provider rejected the batch")
	}
	for _, job := range jobs {
		f.created[providerID] = append(f.created[providerID], job.ID)
	}
	return nil
}

func (f *fakeGateway) DeleteJobs(_ context.Context, providerID string, jobs []*models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range jobs {
		f.deleted[providerID] = append(f.deleted[providerID], job.ID)
	}
	return nil
}

func (f *fakeGateway) ExtendJob(_ context.Context, _ string, _ *models.Job, requestedMillis int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extendErr != nil {
		return f.extendErr
	}
	f.extends = append(f.extends, requestedMillis)
	return nil
}

func (f *fakeGateway) OpenInteractiveSession(_ context.Context, _ string, job *models.Job, rank int, sessionType models.InteractiveSessionType) (*models.OpenSession, error) {
	if f.session != nil {
		return f.session, nil
	}
	return &models.OpenSession{JobID: job.ID.String(), Rank: rank, SessionType: sessionType, SessionPayload: "token"}, nil
}

func (f *fakeGateway) RetrieveUtilization(context.Context, string, string) (*models.Utilization, error) {
	if f.util != nil {
		return f.util, nil
	}
	return &models.Utilization{}, nil
}

// Follow mirrors the real client contract: the returned channel closes when
// ctx is canceled or the source stream ends.
func (f *fakeGateway) Follow(ctx context.Context, _ string, _ uuid.UUID) (<-chan models.FollowMessage, error) {
	out := make(chan models.FollowMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-f.follow:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type testHarness struct {
	orch     *Orchestrator
	store    *memStore
	cache    *memCache
	payments *fakePayments
	gateway  *fakeGateway
	identity *fakeIdentity
	support  *fakeSupport
	catalog  *fakeCatalog
}

func fullDockerSupport() models.ComputeSupport {
	return models.ComputeSupport{
		Docker: models.DockerSupport{
			Enabled: true, Web: true, Vnc: true, Terminal: true,
			Logs: true, TimeExtension: true, Utilization: true, Peers: true,
		},
	}
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat := &fakeCatalog{
		apps: map[string]*models.Application{
			"blast/2.14.0": {
				Metadata: models.NameAndVersion{Name: "blast", Version: "2.14.0"},
				Tool: models.Tool{
					Backend:                models.ToolBackendDocker,
					DefaultTimeAllocMillis: 3_600_000,
					DefaultReplicas:        1,
				},
				Parameters: []models.ApplicationParameter{
					{Name: "query", Type: models.ParamTypeFile},
					{Name: "evalue", Type: models.ParamTypeFloatingPoint, Optional: true},
				},
			},
		},
		products: map[string]*models.Product{
			"hpc-east/compute/standard-4": {
				ID: "standard-4", Category: "compute", Provider: "hpc-east", PricePerUnit: 100,
			},
			"hpc-west/compute/standard-4": {
				ID: "standard-4", Category: "compute", Provider: "hpc-west", PricePerUnit: 100,
			},
		},
	}
	support := &fakeSupport{support: fullDockerSupport()}
	id := &fakeIdentity{memberships: map[string]identity.Membership{}}
	st := newMemStore()
	c := newMemCache()
	payments := &fakePayments{}
	gateway := newFakeGateway()
	listeners := NewListeners(logger)

	verifier := NewVerifier(st, cat, support, id, listeners)
	orch := New(st, c, cat, verifier, payments, gateway, support, id, listeners,
		FollowConfig{StatePoll: 10 * time.Millisecond, UpdateInterval: 10 * time.Millisecond}, logger)

	return &testHarness{
		orch: orch, store: st, cache: c, payments: payments,
		gateway: gateway, identity: id, support: support, catalog: cat,
	}
}

func testSpec(provider string) models.JobSpecification {
	return models.JobSpecification{
		Application: models.NameAndVersion{Name: "blast", Version: "2.14.0"},
		Product:     models.ProductReference{ID: "standard-4", Category: "compute", Provider: provider},
		Replicas:    1,
		Parameters: map[string]models.AppParameterValue{
			"query": {Type: models.ParamTypeFile, Path: "/data/query.fasta"},
		},
		Resources: []models.AppParameterValue{},
	}
}

var alice = models.Actor{Username: "alice", Role: models.RoleUser}

func TestStartJobDispatchesAfterReservation(t *testing.T) {
	h := newHarness(t)

	ids, err := h.orch.StartJob(context.Background(), alice, nil, []models.JobSpecification{testSpec("hpc-east")})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	assert.Equal(t, []uuid.UUID{ids[0]}, h.payments.reserved)
	assert.Equal(t, []uuid.UUID{ids[0]}, h.gateway.created["hpc-east"])
	assert.Equal(t, models.JobStateInQueue, h.store.state(ids[0]))

	cached, ok, _ := h.cache.GetJobState(context.Background(), ids[0])
	assert.True(t, ok)
	assert.Equal(t, string(models.JobStateInQueue), cached)
}

func TestStartJobVerificationFailureReservesNothing(t *testing.T) {
	h := newHarness(t)

	spec := testSpec("hpc-east")
	delete(spec.Parameters, "query")

	_, err := h.orch.StartJob(context.Background(), alice, nil, []models.JobSpecification{spec})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrVerification))
	assert.Empty(t, h.payments.reserved)
	assert.Empty(t, h.gateway.created)
}

func TestStartJobInsufficientFundsReleasesEarlierReservations(t *testing.T) {
	h := newHarness(t)
	h.payments.reserveErrAfter = 2
	h.payments.reserveErr = payment.ErrInsufficientFunds

	specA := testSpec("hpc-east")
	specB := testSpec("hpc-east")
	specB.AllowDuplicateJob = true
	specA.AllowDuplicateJob = true

	_, err := h.orch.StartJob(context.Background(), alice, nil, []models.JobSpecification{specA, specB})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))

	// The first reservation succeeded and must have been released. Nothing
	// was persisted or dispatched.
	require.Len(t, h.payments.reserved, 1)
	assert.Equal(t, h.payments.reserved, h.payments.released)
	assert.Empty(t, h.store.jobs)
	assert.Empty(t, h.gateway.created)
}

func TestStartJobPartialDispatchFailureCompensates(t *testing.T) {
	h := newHarness(t)
	h.gateway.failCreate["hpc-west"] = true

	specA := testSpec("hpc-east")
	specB := testSpec("hpc-west")

	_, err := h.orch.StartJob(context.Background(), alice, nil, []models.JobSpecification{specA, specB})
	require.Error(t, err)

	// The provider that accepted its batch got a delete; both reservations
	// were released; both jobs ended FAILURE.
	if created, ok := h.gateway.created["hpc-east"]; ok {
		assert.Equal(t, created, h.gateway.deleted["hpc-east"])
	}
	assert.Len(t, h.payments.released, 2)
	for id := range h.store.jobs {
		assert.Equal(t, models.JobStateFailure, h.store.state(id))
	}
	assert.Len(t, h.identity.invalidated, 2)
}

func TestStartJobRejectsDuplicateInBatch(t *testing.T) {
	h := newHarness(t)

	spec := testSpec("hpc-east")
	_, err := h.orch.StartJob(context.Background(), alice, nil, []models.JobSpecification{spec, spec})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Empty(t, h.payments.reserved)
}

func TestStartJobRejectsDuplicateOfActiveJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := testSpec("hpc-east")
	_, err := h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec})
	require.NoError(t, err)

	_, err = h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestStartJobAllowsDuplicateOfTerminalJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := testSpec("hpc-east")
	ids, err := h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec})
	require.NoError(t, err)

	state := models.JobStateSuccess
	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: ids[0], Update: models.JobUpdate{State: &state}},
	}))

	_, err = h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec})
	assert.NoError(t, err)
}

func TestStartJobAllowDuplicateFlagSkipsCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := testSpec("hpc-east")
	spec.AllowDuplicateJob = true

	_, err := h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec})
	require.NoError(t, err)
	_, err = h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec})
	assert.NoError(t, err)
}

func TestStartJobProjectRequiresMembership(t *testing.T) {
	h := newHarness(t)
	project := "genomics"

	_, err := h.orch.StartJob(context.Background(), alice, &project, []models.JobSpecification{testSpec("hpc-east")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))

	h.identity.memberships["alice/genomics"] = identity.Membership{Member: true}
	_, err = h.orch.StartJob(context.Background(), alice, &project, []models.JobSpecification{testSpec("hpc-east")})
	assert.NoError(t, err)
}

func startOne(t *testing.T, h *testHarness, provider string) uuid.UUID {
	t.Helper()
	spec := testSpec(provider)
	spec.AllowDuplicateJob = true
	ids, err := h.orch.StartJob(context.Background(), alice, nil, []models.JobSpecification{spec})
	require.NoError(t, err)
	return ids[0]
}

func update(state models.JobState, status string) models.JobUpdate {
	return models.JobUpdate{State: &state, Status: &status}
}

func TestUpdateStateAdvancesLifecycle(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	err := h.orch.UpdateState(context.Background(), "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateProvisioning, "Allocating nodes")},
		{JobID: id, Update: update(models.JobStateRunning, "Started")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, h.store.state(id))

	cached, _, _ := h.cache.GetJobState(context.Background(), id)
	assert.Equal(t, string(models.JobStateRunning), cached)
}

func TestUpdateStateRejectsForeignJob(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	err := h.orch.UpdateState(context.Background(), "hpc-west", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateRunning, "hijack")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
	assert.Equal(t, models.JobStateInQueue, h.store.state(id))
}

func TestUpdateStateExpectedStateMismatchIsSilentlySkipped(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")
	before := h.store.updateCount(id)

	expected := models.JobStateRunning
	state := models.JobStateSuccess
	err := h.orch.UpdateState(context.Background(), "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: models.JobUpdate{ExpectedState: &expected, State: &state}},
	})
	require.NoError(t, err)

	// Skipped entirely: no log entry, no state change.
	assert.Equal(t, before, h.store.updateCount(id))
	assert.Equal(t, models.JobStateInQueue, h.store.state(id))
}

func TestUpdateStateTerminalIsSticky(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")
	ctx := context.Background()

	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateSuccess, "Done")},
	}))
	before := h.store.updateCount(id)

	// A late RUNNING update still lands in the log but the state stays put.
	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateRunning, "late heartbeat")},
	}))
	assert.Equal(t, before+1, h.store.updateCount(id))
	assert.Equal(t, models.JobStateSuccess, h.store.state(id))
}

func TestUpdateStateTerminationSideEffectsRunOnce(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")
	ctx := context.Background()

	var terminations int
	h.orch.listeners.Register(listenerFunc(func(job *models.Job) {
		terminations++
	}))

	// Two terminal-looking updates in one batch: side effects fire exactly
	// once, on the first transition.
	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateSuccess, "Done")},
		{JobID: id, Update: update(models.JobStateFailure, "confused retry")},
	}))
	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateFailure, "second retry")},
	}))

	assert.Equal(t, 1, terminations)
	assert.Equal(t, []string{"job-" + id.String()}, h.identity.invalidated)
	assert.Equal(t, models.JobStateSuccess, h.store.state(id))
}

// listenerFunc adapts a function to the termination half of Listener.
type listenerFunc func(job *models.Job)

func (f listenerFunc) OnVerified(context.Context, *models.Job) error { return nil }
func (f listenerFunc) OnCreate(context.Context, *models.Job) error   { return nil }
func (f listenerFunc) OnTermination(_ context.Context, job *models.Job) error {
	f(job)
	return nil
}

// readyIngress seeds a READY ingress owned by alice at the given provider
// and returns a submission referencing it.
func readyIngress(h *testHarness, provider string) (uuid.UUID, func() models.JobSpecification) {
	resID := uuid.New()
	h.store.addResource(&models.BoundResource{
		ID:      resID,
		Kind:    models.ResourceKindIngress,
		Owner:   models.JobOwner{LaunchedBy: alice.Username},
		Product: models.ProductReference{ID: "standard-4", Category: "compute", Provider: provider},
		State:   models.ResourceStateReady,
		Address: "app.example.com",
	})
	spec := func() models.JobSpecification {
		s := testSpec(provider)
		s.AllowDuplicateJob = true
		s.Resources = []models.AppParameterValue{
			{Type: models.ParamTypeIngress, ResourceID: resID.String()},
		}
		return s
	}
	return resID, spec
}

func registerIngressListener(t *testing.T, h *testHarness) {
	t.Helper()
	kind, ok := boundres.KindOf(models.ResourceKindIngress)
	require.True(t, ok)
	h.orch.listeners.Register(boundres.NewListener(kind, h.store))
}

func TestProviderTerminationReleasesExclusiveBinding(t *testing.T) {
	h := newHarness(t)
	registerIngressListener(t, h)
	ctx := context.Background()
	resID, spec := readyIngress(h, "hpc-east")

	ids, err := h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec()})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[0]}, h.store.boundTo(models.ResourceKindIngress, resID))

	// The ingress binds exclusively, so an identical submission is vetoed
	// while the first job holds it.
	_, err = h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec()})
	require.True(t, errors.Is(err, apperrors.ErrVerification))

	// The provider reports success. Termination must release the binding
	// even though the state update itself never mentions the ingress.
	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: ids[0], Update: update(models.JobStateSuccess, "Done")},
	}))
	assert.Empty(t, h.store.boundTo(models.ResourceKindIngress, resID))

	// The same request now verifies and binds the released ingress.
	rebound, err := h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec()})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{rebound[0]}, h.store.boundTo(models.ResourceKindIngress, resID))
}

func TestExpireJobReleasesResourceBindings(t *testing.T) {
	h := newHarness(t)
	registerIngressListener(t, h)
	ctx := context.Background()
	resID, spec := readyIngress(h, "hpc-east")

	ids, err := h.orch.StartJob(ctx, alice, nil, []models.JobSpecification{spec()})
	require.NoError(t, err)
	require.NotEmpty(t, h.store.boundTo(models.ResourceKindIngress, resID))

	require.NoError(t, h.orch.ExpireJob(ctx, ids[0]))

	assert.Equal(t, models.JobStateExpired, h.store.state(ids[0]))
	assert.Empty(t, h.store.boundTo(models.ResourceKindIngress, resID))
}

func TestChargeAggregatesOutcomes(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	result, err := h.orch.Charge(context.Background(), "hpc-east", []ChargeItem{
		{JobID: id, ChargeID: "c-1", WallMillis: 180_000},
	})
	require.NoError(t, err)
	assert.Empty(t, result.InsufficientFunds)
	assert.Empty(t, result.Duplicates)
	assert.Equal(t, []string{"c-1"}, h.payments.charges)

	h.payments.chargeOutcome = payment.ChargeOutcomeDuplicate
	result, err = h.orch.Charge(context.Background(), "hpc-east", []ChargeItem{
		{JobID: id, ChargeID: "c-1", WallMillis: 180_000},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, result.Duplicates)

	h.payments.chargeOutcome = payment.ChargeOutcomeInsufficientFunds
	result, err = h.orch.Charge(context.Background(), "hpc-east", []ChargeItem{
		{JobID: id, ChargeID: "c-2", WallMillis: 60_000},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, result.InsufficientFunds)
}

func TestChargeRejectsForeignJob(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	_, err := h.orch.Charge(context.Background(), "hpc-west", []ChargeItem{
		{JobID: id, ChargeID: "c-1", WallMillis: 60_000},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
}

func TestCancelSkipsTerminalAndProxiesRest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := startOne(t, h, "hpc-east")
	done := startOne(t, h, "hpc-east")

	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: done, Update: update(models.JobStateSuccess, "Done")},
	}))

	require.NoError(t, h.orch.Cancel(ctx, alice, []uuid.UUID{active, done}))

	assert.Equal(t, models.JobStateCanceling, h.store.state(active))
	assert.Equal(t, models.JobStateSuccess, h.store.state(done))
	assert.Equal(t, []uuid.UUID{active}, h.gateway.deleted["hpc-east"])
}

func TestCancelUnknownJobIsNotFound(t *testing.T) {
	h := newHarness(t)

	err := h.orch.Cancel(context.Background(), alice, []uuid.UUID{uuid.New()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestCancelByStrangerReportsNotFound(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	mallory := models.Actor{Username: "mallory", Role: models.RoleUser}
	err := h.orch.Cancel(context.Background(), mallory, []uuid.UUID{id})
	require.Error(t, err)

	// Existence is not leaked: the stranger sees "not found", never
	// "forbidden".
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.False(t, errors.Is(err, apperrors.ErrForbidden))
}

func TestExtendAddsTimeAndRecordsAllocation(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	require.NoError(t, h.orch.Extend(context.Background(), alice, []ExtendRequest{
		{JobID: id, AdditionalMillis: 600_000},
	}))

	assert.Equal(t, []int64{600_000}, h.gateway.extends)
	alloc := h.store.jobs[id].Specification.TimeAllocationMillis
	require.NotNil(t, alloc)
	assert.Equal(t, int64(3_600_000+600_000), *alloc)
}

func TestExtendGatedOnProviderCapability(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")
	h.support.support.Docker.TimeExtension = false

	err := h.orch.Extend(context.Background(), alice, []ExtendRequest{
		{JobID: id, AdditionalMillis: 600_000},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotSupported))
	assert.Empty(t, h.gateway.extends)
}

func TestOpenInteractiveSessionRequiresRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := startOne(t, h, "hpc-east")

	_, err := h.orch.OpenInteractiveSession(ctx, alice, []SessionRequest{
		{JobID: id, Rank: 0, SessionType: models.SessionTypeShell},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrVerification))

	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateRunning, "Started")},
	}))

	sessions, err := h.orch.OpenInteractiveSession(ctx, alice, []SessionRequest{
		{JobID: id, Rank: 0, SessionType: models.SessionTypeShell},
	})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "hpc-east.example.com", sessions[0].ProviderDomain)
	assert.Equal(t, models.SessionTypeShell, sessions[0].Session.SessionType)
}

func TestOpenInteractiveSessionGatedPerType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := startOne(t, h, "hpc-east")
	require.NoError(t, h.orch.UpdateState(ctx, "hpc-east", []StateUpdateRequest{
		{JobID: id, Update: update(models.JobStateRunning, "Started")},
	}))
	h.support.support.Docker.Vnc = false

	_, err := h.orch.OpenInteractiveSession(ctx, alice, []SessionRequest{
		{JobID: id, Rank: 0, SessionType: models.SessionTypeVnc},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotSupported))
}

func TestRetrieveUtilizationGated(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	_, err := h.orch.RetrieveUtilization(context.Background(), alice, id)
	require.NoError(t, err)

	h.support.support.Docker.Utilization = false
	_, err = h.orch.RetrieveUtilization(context.Background(), alice, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotSupported))
}

func TestRetrieveAttachesSubResources(t *testing.T) {
	h := newHarness(t)
	id := startOne(t, h, "hpc-east")

	job, err := h.orch.Retrieve(context.Background(), alice, id, RetrieveFlags{
		IncludeUpdates:     true,
		IncludeApplication: true,
		IncludeProduct:     true,
		IncludeSupport:     true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.Updates)
	require.NotNil(t, job.ResolvedApp)
	assert.Equal(t, "blast", job.ResolvedApp.Metadata.Name)
	require.NotNil(t, job.ResolvedProduct)
	assert.Equal(t, int64(100), job.ResolvedProduct.PricePerUnit)
	assert.NotNil(t, job.ResolvedSupport)
}

func TestProjectAdminCanRetrieveMembersJobs(t *testing.T) {
	h := newHarness(t)
	project := "genomics"
	h.identity.memberships["alice/genomics"] = identity.Membership{Member: true}
	h.identity.memberships["bob/genomics"] = identity.Membership{Member: true, Admin: true}

	spec := testSpec("hpc-east")
	ids, err := h.orch.StartJob(context.Background(), alice, &project, []models.JobSpecification{spec})
	require.NoError(t, err)

	bob := models.Actor{Username: "bob", Role: models.RoleUser}
	_, err = h.orch.Retrieve(context.Background(), bob, ids[0], RetrieveFlags{})
	assert.NoError(t, err)

	carol := models.Actor{Username: "carol", Role: models.RoleUser}
	_, err = h.orch.Retrieve(context.Background(), carol, ids[0], RetrieveFlags{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
