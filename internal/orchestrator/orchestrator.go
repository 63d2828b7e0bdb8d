package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/cache"
	"github.com/kiranshivaraju/conductor/internal/catalog"
	"github.com/kiranshivaraju/conductor/internal/identity"
	"github.com/kiranshivaraju/conductor/internal/payment"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// duplicateWindow is how many of the requester's most recent jobs are
// compared when rejecting duplicate submissions.
const duplicateWindow = 10

// jobStateCacheTTL bounds staleness of the redis job-state mirror used by
// follow subscriptions.
const jobStateCacheTTL = time.Hour

// Payments is the billing surface the orchestrator needs. Implemented by
// payment.Service.
type Payments interface {
	Reserve(ctx context.Context, job *models.Job) error
	Release(ctx context.Context, job *models.Job) error
	Charge(ctx context.Context, job *models.Job, chargeID string, wallMillis int64) (payment.ChargeOutcome, error)
}

// ProviderGateway is the provider-facing surface the orchestrator needs.
// Implemented by provider.Gateway.
type ProviderGateway interface {
	Endpoint(ctx context.Context, providerID string) (models.ProviderSpecification, error)
	CreateJobs(ctx context.Context, providerID string, jobs []*models.Job) error
	DeleteJobs(ctx context.Context, providerID string, jobs []*models.Job) error
	ExtendJob(ctx context.Context, providerID string, job *models.Job, requestedMillis int64) error
	OpenInteractiveSession(ctx context.Context, providerID string, job *models.Job, rank int, sessionType models.InteractiveSessionType) (*models.OpenSession, error)
	RetrieveUtilization(ctx context.Context, providerID, category string) (*models.Utilization, error)
	Follow(ctx context.Context, providerID string, jobID uuid.UUID) (<-chan models.FollowMessage, error)
}

// Orchestrator owns the job write path: submission, provider dispatch, state
// update ingestion, charging, cancellation, extension and interactive
// sessions.
type Orchestrator struct {
	store     store.Store
	cache     cache.Cache
	catalog   catalog.Client
	verifier  *Verifier
	payments  Payments
	providers ProviderGateway
	support   SupportResolver
	identity  identity.Client
	listeners *Listeners
	logger    *slog.Logger

	followCfg FollowConfig
}

// FollowConfig tunes follow subscriptions.
type FollowConfig struct {
	UpdateInterval time.Duration
	StatePoll      time.Duration
}

func New(
	s store.Store,
	c cache.Cache,
	cat catalog.Client,
	verifier *Verifier,
	payments Payments,
	providers ProviderGateway,
	support SupportResolver,
	id identity.Client,
	listeners *Listeners,
	followCfg FollowConfig,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     s,
		cache:     c,
		catalog:   cat,
		verifier:  verifier,
		payments:  payments,
		providers: providers,
		support:   support,
		identity:  id,
		listeners: listeners,
		followCfg: followCfg,
		logger:    logger,
	}
}

// StartJob runs the submission pipeline for a batch of specifications. The
// batch is all-or-nothing: the first verification failure, duplicate, or
// failed reservation aborts everything, and any failure after reservation
// triggers best-effort compensation in reverse order.
func (o *Orchestrator) StartJob(ctx context.Context, actor models.Actor, project *string, specs []models.JobSpecification) ([]uuid.UUID, error) {
	if len(specs) == 0 {
		return nil, apperrors.Verification("items", "at least one job specification is required")
	}
	owner := models.JobOwner{LaunchedBy: actor.Username, Project: project}

	// Snapshot the raw submitted parameters before verification mutates them.
	exports := make([][]byte, len(specs))
	for i, spec := range specs {
		export, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, apperrors.Internal("export parameters", err)
		}
		exports[i] = export
	}

	jobs := make([]*models.Job, len(specs))
	for i, spec := range specs {
		job, err := o.verifier.Verify(ctx, owner, spec)
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}

	if err := o.rejectDuplicates(ctx, owner, jobs); err != nil {
		return nil, err
	}

	// Reserve funds for the whole batch before any persistence.
	reserved := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if err := o.payments.Reserve(ctx, job); err != nil {
			o.releaseAll(ctx, reserved)
			if errors.Is(err, payment.ErrInsufficientFunds) {
				return nil, apperrors.InsufficientFunds()
			}
			return nil, apperrors.Internal("reserve funds", err)
		}
		reserved = append(reserved, job)
	}

	if err := o.store.CreateJobs(ctx, jobs, exports); err != nil {
		o.releaseAll(ctx, reserved)
		return nil, apperrors.Internal("persist jobs", err)
	}

	for _, job := range jobs {
		if err := o.listeners.notifyCreate(ctx, job); err != nil {
			o.compensate(ctx, jobs, nil)
			return nil, err
		}
	}

	// One batched create call per provider.
	var dispatched []string
	for providerID, group := range groupByProvider(jobs) {
		if err := o.providers.CreateJobs(ctx, providerID, group); err != nil {
			o.compensate(ctx, jobs, dispatched)
			return nil, apperrors.Internal(fmt.Sprintf("dispatch to provider %s", providerID), err)
		}
		dispatched = append(dispatched, providerID)
	}

	ids := make([]uuid.UUID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
		o.cacheState(ctx, job.ID, job.Status.State)
	}
	return ids, nil
}

// rejectDuplicates fails the batch if a job that does not allow duplication
// matches the requester's recent jobs, or an earlier job in the same batch.
func (o *Orchestrator) rejectDuplicates(ctx context.Context, owner models.JobOwner, jobs []*models.Job) error {
	var recent []*models.Job
	needsCheck := false
	for _, job := range jobs {
		if !job.Specification.AllowDuplicateJob {
			needsCheck = true
		}
	}
	if needsCheck {
		var err error
		recent, _, err = o.store.BrowseJobs(ctx, store.JobFilter{
			LaunchedBy: owner.LaunchedBy,
			Limit:      duplicateWindow,
			Flags:      store.JobIncludeFlags{IncludeParameters: true},
		})
		if err != nil {
			return apperrors.Internal("load recent jobs", err)
		}
	}

	for i, job := range jobs {
		if job.Specification.AllowDuplicateJob {
			continue
		}
		for _, prev := range recent {
			if !prev.Status.State.IsFinal() && job.Specification.Equivalent(prev.Specification) {
				return apperrors.Duplicate("job", fmt.Sprintf("an identical job (%s) is already active", prev.ID))
			}
		}
		for _, sibling := range jobs[:i] {
			if job.Specification.Equivalent(sibling.Specification) {
				return apperrors.Duplicate("job", "batch contains two identical job specifications")
			}
		}
	}
	return nil
}

// compensate unwinds a partially submitted batch in reverse order of the
// forward steps. Every action is best-effort and logged independently so a
// failure in one compensation does not abort the others.
func (o *Orchestrator) compensate(ctx context.Context, jobs []*models.Job, dispatched []string) {
	byProvider := groupByProvider(jobs)
	for i := len(dispatched) - 1; i >= 0; i-- {
		providerID := dispatched[i]
		if err := o.providers.DeleteJobs(ctx, providerID, byProvider[providerID]); err != nil {
			o.logger.Error("compensation: provider delete failed", "provider", providerID, "error", err)
		}
	}

	for _, job := range jobs {
		if err := o.identity.InvalidateTokens(ctx, tokenSubject(job.ID)); err != nil {
			o.logger.Error("compensation: token invalidation failed", "job_id", job.ID, "error", err)
		}
		o.listeners.notifyTermination(ctx, job)

		state := models.JobStateFailure
		status := "Job submission failed and was rolled back"
		now := time.Now().UTC()
		if err := o.store.InsertJobUpdate(ctx, job.ID, models.JobUpdate{Timestamp: now, State: &state, Status: &status}); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.logger.Error("compensation: recording rollback update failed", "job_id", job.ID, "error", err)
		}
		if err := o.store.SetJobState(ctx, job.ID, state); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.logger.Error("compensation: marking job failed", "job_id", job.ID, "error", err)
		}
		o.cacheState(ctx, job.ID, state)
	}

	o.releaseAll(ctx, jobs)
}

func (o *Orchestrator) releaseAll(ctx context.Context, jobs []*models.Job) {
	for _, job := range jobs {
		if err := o.payments.Release(ctx, job); err != nil {
			o.logger.Error("releasing reservation failed", "job_id", job.ID, "error", err)
		}
	}
}

// StateUpdateRequest is one provider-submitted lifecycle update.
type StateUpdateRequest struct {
	JobID  uuid.UUID
	Update models.JobUpdate
}

// UpdateState ingests a batch of lifecycle updates from a provider. Updates
// are applied per job in submission order; an expected-state mismatch makes
// the update a silent no-op, and a terminal current state keeps the update
// in the log without applying its state. The first transition into a
// terminal state runs termination side effects exactly once.
func (o *Orchestrator) UpdateState(ctx context.Context, providerID string, updates []StateUpdateRequest) error {
	grouped := make(map[uuid.UUID][]models.JobUpdate)
	order := make([]uuid.UUID, 0, len(updates))
	for _, u := range updates {
		if _, seen := grouped[u.JobID]; !seen {
			order = append(order, u.JobID)
		}
		grouped[u.JobID] = append(grouped[u.JobID], u.Update)
	}

	jobs, err := o.loadProviderJobs(ctx, providerID, order)
	if err != nil {
		return err
	}

	for _, jobID := range order {
		job := jobs[jobID]
		terminated := job.Status.State.IsFinal()

		for _, update := range grouped[jobID] {
			if update.ExpectedState != nil && *update.ExpectedState != job.Status.State {
				continue
			}
			if update.State != nil && !update.State.Valid() {
				return apperrors.Verification("state", "unknown job state %q", *update.State)
			}

			if update.Timestamp.IsZero() {
				update.Timestamp = time.Now().UTC()
			}
			if err := o.store.InsertJobUpdate(ctx, jobID, update); err != nil {
				return apperrors.Internal("record job update", err)
			}

			// Terminal states are sticky: later updates are logged above but
			// never change the state again.
			if update.State == nil || job.Status.State.IsFinal() || *update.State == job.Status.State {
				continue
			}
			if err := o.store.SetJobState(ctx, jobID, *update.State); err != nil {
				return apperrors.Internal("apply job state", err)
			}
			job.Status.State = *update.State
			o.cacheState(ctx, jobID, *update.State)

			if job.Status.State.IsFinal() && !terminated {
				terminated = true
				o.terminate(ctx, job)
			}
		}
	}
	return nil
}

// terminate runs the exactly-once side effects of a job reaching a terminal
// state. Failures are logged, never propagated: termination must always
// complete.
func (o *Orchestrator) terminate(ctx context.Context, job *models.Job) {
	if err := o.identity.InvalidateTokens(ctx, tokenSubject(job.ID)); err != nil {
		o.logger.Error("invalidating job tokens failed", "job_id", job.ID, "error", err)
	}
	o.listeners.notifyTermination(ctx, job)
}

// ChargeItem is one provider-reported usage charge.
type ChargeItem struct {
	JobID      uuid.UUID
	ChargeID   string
	WallMillis int64
}

// ChargeResult aggregates per-job charge outcomes. Both lists are returned
// to the provider instead of an error: charge delivery is retried by
// providers and must stay safe to repeat.
type ChargeResult struct {
	InsufficientFunds []uuid.UUID `json:"insufficient_funds"`
	Duplicates        []uuid.UUID `json:"duplicates"`
}

// Charge applies a batch of usage charges submitted by a provider for its
// own jobs.
func (o *Orchestrator) Charge(ctx context.Context, providerID string, items []ChargeItem) (*ChargeResult, error) {
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.JobID)
	}
	jobs, err := o.loadProviderJobs(ctx, providerID, ids)
	if err != nil {
		return nil, err
	}

	result := &ChargeResult{}
	for _, item := range items {
		outcome, err := o.payments.Charge(ctx, jobs[item.JobID], item.ChargeID, item.WallMillis)
		if err != nil {
			return nil, apperrors.Internal("apply charge", err)
		}
		switch outcome {
		case payment.ChargeOutcomeInsufficientFunds:
			result.InsufficientFunds = append(result.InsufficientFunds, item.JobID)
		case payment.ChargeOutcomeDuplicate:
			result.Duplicates = append(result.Duplicates, item.JobID)
		}
	}
	return result, nil
}

// Cancel proxies a delete request for the given jobs to their providers.
// Jobs already in a terminal state are skipped. Partial per-provider failure
// surfaces as an error but does not roll back providers that already
// accepted the cancellation.
func (o *Orchestrator) Cancel(ctx context.Context, actor models.Actor, ids []uuid.UUID) error {
	jobs, err := o.loadAndVerifyUserJobs(ctx, actor, ids, store.JobIncludeFlags{})
	if err != nil {
		return err
	}

	var active []*models.Job
	for _, job := range jobs {
		if job.Status.State.IsFinal() {
			continue
		}
		active = append(active, job)
	}
	if len(active) == 0 {
		return nil
	}

	state := models.JobStateCanceling
	status := "Cancellation requested"
	now := time.Now().UTC()
	for _, job := range active {
		if err := o.store.InsertJobUpdate(ctx, job.ID, models.JobUpdate{Timestamp: now, State: &state, Status: &status}); err != nil {
			return apperrors.Internal("record cancellation", err)
		}
		if err := o.store.SetJobState(ctx, job.ID, state); err != nil {
			return apperrors.Internal("apply cancellation state", err)
		}
		job.Status.State = state
		o.cacheState(ctx, job.ID, state)
	}

	var failed []string
	for providerID, group := range groupByProvider(active) {
		if err := o.providers.DeleteJobs(ctx, providerID, group); err != nil {
			o.logger.Error("provider cancellation failed", "provider", providerID, "error", err)
			failed = append(failed, providerID)
		}
	}
	if len(failed) > 0 {
		return apperrors.Internal("cancel jobs", fmt.Errorf("providers %v did not accept the cancellation", failed))
	}
	return nil
}

// ExtendRequest asks for more wall time for one job.
type ExtendRequest struct {
	JobID            uuid.UUID
	AdditionalMillis int64
}

// Extend requests additional wall time for the given jobs, gated on the
// provider's time-extension capability for each job's backend.
func (o *Orchestrator) Extend(ctx context.Context, actor models.Actor, reqs []ExtendRequest) error {
	ids := make([]uuid.UUID, len(reqs))
	for i, req := range reqs {
		if req.AdditionalMillis <= 0 {
			return apperrors.Verification("additional_millis", "time extension must be positive")
		}
		ids[i] = req.JobID
	}
	jobs, err := o.loadAndVerifyUserJobs(ctx, actor, ids, store.JobIncludeFlags{})
	if err != nil {
		return err
	}

	for i, req := range reqs {
		job := jobs[i]
		if err := o.requireFeature(ctx, job, models.FeatureTimeExtension, "time extension"); err != nil {
			return err
		}
		if err := o.providers.ExtendJob(ctx, job.Specification.Product.Provider, job, req.AdditionalMillis); err != nil {
			return apperrors.Internal("extend job", err)
		}

		var current int64
		if job.Specification.TimeAllocationMillis != nil {
			current = *job.Specification.TimeAllocationMillis
		}
		if err := o.store.SetTimeAllocation(ctx, job.ID, current+req.AdditionalMillis); err != nil {
			return apperrors.Internal("record new time allocation", err)
		}
	}
	return nil
}

// SessionRequest asks for an interactive session on one replica of a job.
type SessionRequest struct {
	JobID       uuid.UUID
	Rank        int
	SessionType models.InteractiveSessionType
}

// OpenInteractiveSession negotiates interactive sessions for the given jobs,
// gated per session type on the provider's declared capabilities.
func (o *Orchestrator) OpenInteractiveSession(ctx context.Context, actor models.Actor, reqs []SessionRequest) ([]models.OpenSessionWithProvider, error) {
	ids := make([]uuid.UUID, len(reqs))
	for i, req := range reqs {
		ids[i] = req.JobID
	}
	jobs, err := o.loadAndVerifyUserJobs(ctx, actor, ids, store.JobIncludeFlags{})
	if err != nil {
		return nil, err
	}

	sessions := make([]models.OpenSessionWithProvider, 0, len(reqs))
	for i, req := range reqs {
		job := jobs[i]
		if job.Status.State != models.JobStateRunning {
			return nil, apperrors.Verification("job", "job %s is not running", job.ID)
		}

		feature, name, ok := sessionFeature(req.SessionType)
		if !ok {
			return nil, apperrors.Verification("session_type", "unknown session type %q", req.SessionType)
		}
		if err := o.requireFeature(ctx, job, feature, name); err != nil {
			return nil, err
		}

		providerID := job.Specification.Product.Provider
		session, err := o.providers.OpenInteractiveSession(ctx, providerID, job, req.Rank, req.SessionType)
		if err != nil {
			return nil, apperrors.Internal("open interactive session", err)
		}

		endpoint, err := o.providers.Endpoint(ctx, providerID)
		if err != nil {
			return nil, apperrors.Internal("resolve provider endpoint", err)
		}
		sessions = append(sessions, models.OpenSessionWithProvider{
			ProviderDomain: endpoint.Domain,
			ProviderID:     providerID,
			Session:        *session,
		})
	}
	return sessions, nil
}

// RetrieveUtilization proxies a utilization request for the product category
// of the given job.
func (o *Orchestrator) RetrieveUtilization(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*models.Utilization, error) {
	jobs, err := o.loadAndVerifyUserJobs(ctx, actor, []uuid.UUID{jobID}, store.JobIncludeFlags{})
	if err != nil {
		return nil, err
	}
	job := jobs[0]

	if err := o.requireFeature(ctx, job, models.FeatureUtilization, "utilization"); err != nil {
		return nil, err
	}
	util, err := o.providers.RetrieveUtilization(ctx, job.Specification.Product.Provider, job.Specification.Product.Category)
	if err != nil {
		return nil, apperrors.Internal("retrieve utilization", err)
	}
	return util, nil
}

// requireFeature checks the provider's declared capability for the job's
// backend and fails with a capability-mismatch error when absent.
func (o *Orchestrator) requireFeature(ctx context.Context, job *models.Job, feature models.SupportFeature, name string) error {
	backend, err := o.backendFor(ctx, job)
	if err != nil {
		return err
	}
	support, err := o.support.Lookup(ctx, job.Specification.Product)
	if err != nil {
		return apperrors.Internal("resolve provider support", err)
	}
	if !support.Supports(backend, feature) {
		return apperrors.NotSupported(name)
	}
	return nil
}

func (o *Orchestrator) backendFor(ctx context.Context, job *models.Job) (models.ToolBackend, error) {
	if job.ResolvedApp != nil {
		return job.ResolvedApp.Tool.Backend, nil
	}
	app, err := o.catalog.ResolveApplication(ctx, job.Specification.Application)
	if err != nil {
		return "", apperrors.Internal("resolve application", err)
	}
	job.ResolvedApp = app
	return app.Tool.Backend, nil
}

// loadAndVerifyUserJobs loads jobs and authorizes actor against each one. An
// actor without rights gets "not found", not "forbidden", so job existence
// is never leaked. Results are returned in input order.
func (o *Orchestrator) loadAndVerifyUserJobs(ctx context.Context, actor models.Actor, ids []uuid.UUID, flags store.JobIncludeFlags) ([]*models.Job, error) {
	jobs, err := o.store.GetJobs(ctx, ids, flags)
	if err != nil {
		return nil, apperrors.Internal("load jobs", err)
	}

	out := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, ok := jobs[id]
		if !ok {
			return nil, apperrors.NotFound("job")
		}
		if err := o.authorize(ctx, actor, job); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (o *Orchestrator) authorize(ctx context.Context, actor models.Actor, job *models.Job) error {
	if actor.IsSystem() {
		return nil
	}
	if actor.Role == models.RoleUser && job.Owner.LaunchedBy == actor.Username {
		return nil
	}
	if actor.Role == models.RoleUser && job.Owner.Project != nil {
		membership, err := o.identity.Membership(ctx, actor.Username, *job.Owner.Project)
		if err != nil {
			return apperrors.Internal("resolve project membership", err)
		}
		if membership.Admin {
			return nil
		}
	}
	return apperrors.NotFound("job")
}

// loadProviderJobs loads jobs on behalf of a provider and checks that each
// one actually belongs to it. Here existence is already implied by the
// provider's own request, so a mismatch is "forbidden". Parameters are
// always eager-loaded: a state update can terminate the job, and the
// termination listeners need the resource references to release bindings.
func (o *Orchestrator) loadProviderJobs(ctx context.Context, providerID string, ids []uuid.UUID) (map[uuid.UUID]*models.Job, error) {
	jobs, err := o.store.GetJobs(ctx, ids, store.JobIncludeFlags{IncludeParameters: true})
	if err != nil {
		return nil, apperrors.Internal("load jobs", err)
	}
	for _, id := range ids {
		job, ok := jobs[id]
		if !ok {
			return nil, apperrors.NotFound("job")
		}
		if job.Specification.Product.Provider != providerID {
			return nil, apperrors.Forbidden(fmt.Sprintf("job %s does not belong to provider %s", id, providerID))
		}
	}
	return jobs, nil
}

func (o *Orchestrator) cacheState(ctx context.Context, jobID uuid.UUID, state models.JobState) {
	if err := o.cache.SetJobState(ctx, jobID, string(state), jobStateCacheTTL); err != nil {
		o.logger.Warn("caching job state failed", "job_id", jobID, "error", err)
	}
}

func groupByProvider(jobs []*models.Job) map[string][]*models.Job {
	grouped := make(map[string][]*models.Job)
	for _, job := range jobs {
		providerID := job.Specification.Product.Provider
		grouped[providerID] = append(grouped[providerID], job)
	}
	return grouped
}

func sessionFeature(t models.InteractiveSessionType) (models.SupportFeature, string, bool) {
	switch t {
	case models.SessionTypeWeb:
		return models.FeatureWeb, "web sessions", true
	case models.SessionTypeVnc:
		return models.FeatureVnc, "VNC sessions", true
	case models.SessionTypeShell:
		return models.FeatureTerminal, "terminal sessions", true
	}
	return "", "", false
}

func tokenSubject(jobID uuid.UUID) string {
	return "job-" + jobID.String()
}
