package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// ExpireJob forcibly terminates a job whose wall-time allocation ran out.
// The provider is asked to tear the job down first; the state transition and
// termination side effects run regardless, since a provider that lost the
// job would otherwise pin it active forever.
func (o *Orchestrator) ExpireJob(ctx context.Context, jobID uuid.UUID) error {
	// Parameters are needed so termination listeners can release any
	// resource bindings the job holds.
	jobs, err := o.store.GetJobs(ctx, []uuid.UUID{jobID}, store.JobIncludeFlags{IncludeParameters: true})
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	job, ok := jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status.State.IsFinal() {
		return nil
	}

	providerID := job.Specification.Product.Provider
	if err := o.providers.DeleteJobs(ctx, providerID, []*models.Job{job}); err != nil {
		o.logger.Error("provider teardown of expired job failed",
			"job_id", jobID, "provider", providerID, "error", err)
	}

	state := models.JobStateExpired
	status := "Time allocation exhausted"
	update := models.JobUpdate{Timestamp: time.Now().UTC(), State: &state, Status: &status}
	if err := o.store.InsertJobUpdate(ctx, jobID, update); err != nil {
		return fmt.Errorf("record expiry of job %s: %w", jobID, err)
	}
	if err := o.store.SetJobState(ctx, jobID, state); err != nil {
		return fmt.Errorf("mark job %s expired: %w", jobID, err)
	}
	job.Status.State = state
	o.cacheState(ctx, jobID, state)
	o.terminate(ctx, job)
	return nil
}
