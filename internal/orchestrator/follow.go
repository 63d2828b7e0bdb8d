package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// FollowSink receives pushed follow events. A Push error means the client is
// gone and the subscription should stop.
type FollowSink interface {
	Push(event models.FollowEvent) error
}

// FollowSinkFunc adapts a function to FollowSink.
type FollowSinkFunc func(event models.FollowEvent) error

func (f FollowSinkFunc) Push(event models.FollowEvent) error { return f(event) }

// Follow streams update-log entries, state changes and provider log lines
// for one job until the job reaches a terminal state, the client
// disconnects, or ctx is canceled. Canceling a subscription never cancels
// the job itself.
func (o *Orchestrator) Follow(ctx context.Context, actor models.Actor, jobID uuid.UUID, sink FollowSink) error {
	jobs, err := o.loadAndVerifyUserJobs(ctx, actor, []uuid.UUID{jobID}, store.JobIncludeFlags{IncludeUpdates: true})
	if err != nil {
		return err
	}
	job := jobs[0]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := &followSubscription{
		orch:   o,
		job:    job,
		sink:   sink,
		cancel: cancel,
	}

	// Replay the existing update log before going live.
	if len(job.Updates) > 0 {
		if err := sub.push(models.FollowEvent{Updates: job.Updates, NewStatus: &job.Status}); err != nil {
			return nil
		}
		sub.seen = len(job.Updates)
	}
	if job.Status.State.IsFinal() {
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		sub.pollUpdates(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		sub.streamLogs(ctx)
	}()
	wg.Wait()
	return nil
}

type followSubscription struct {
	orch   *Orchestrator
	job    *models.Job
	cancel context.CancelFunc

	mu   sync.Mutex
	sink FollowSink

	// seen counts update-log entries already delivered; guarded by mu since
	// only pollUpdates touches it.
	seen int
}

// push serializes sink access between the poller and the log stream. A sink
// error cancels the whole subscription.
func (s *followSubscription) push(event models.FollowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink.Push(event); err != nil {
		s.cancel()
		return err
	}
	return nil
}

// pollUpdates polls the update log and pushes state deltas. It owns
// subscription termination on terminal states.
func (s *followSubscription) pollUpdates(ctx context.Context) {
	interval := s.orch.followCfg.StatePoll
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastState := s.job.Status.State
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := s.orch.store.GetJobs(ctx, []uuid.UUID{s.job.ID}, store.JobIncludeFlags{IncludeUpdates: true})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.orch.logger.Warn("follow poll failed", "job_id", s.job.ID, "error", err)
			continue
		}
		job, ok := jobs[s.job.ID]
		if !ok {
			return
		}

		event := models.FollowEvent{}
		if len(job.Updates) > s.seen {
			event.Updates = job.Updates[s.seen:]
			s.seen = len(job.Updates)
		}
		if job.Status.State != lastState {
			lastState = job.Status.State
			status := job.Status
			event.NewStatus = &status
		}
		if len(event.Updates) > 0 || event.NewStatus != nil {
			if s.push(event) != nil {
				return
			}
		}
		if job.Status.State.IsFinal() {
			return
		}
	}
}

// streamLogs attaches to the provider's log stream once the job is running
// and forwards replica output. Negative ranks are provider control frames
// and are dropped. A broken provider stream is reopened until the
// subscription ends.
func (s *followSubscription) streamLogs(ctx context.Context) {
	providerID := s.job.Specification.Product.Provider
	for {
		if err := s.waitUntilRunning(ctx); err != nil {
			return
		}

		stream, err := s.orch.providers.Follow(ctx, providerID, s.job.ID)
		if err != nil {
			s.orch.logger.Warn("opening provider log stream failed", "job_id", s.job.ID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		for message := range stream {
			if message.Rank < 0 {
				continue
			}
			event := models.FollowEvent{Log: []models.JobsLog{{
				Rank:   message.Rank,
				Stdout: message.Stdout,
				Stderr: message.Stderr,
			}}}
			if s.push(event) != nil {
				return
			}
		}
		// Stream closed; reopen unless the subscription is over.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// waitUntilRunning blocks until the job's cached state reaches RUNNING. The
// redis mirror is checked first; a cache miss falls back to the store.
func (s *followSubscription) waitUntilRunning(ctx context.Context) error {
	interval := s.orch.followCfg.StatePoll
	if interval <= 0 {
		interval = time.Second
	}
	for {
		state, err := s.currentState(ctx)
		if err != nil {
			return err
		}
		if state == models.JobStateRunning {
			return nil
		}
		if state.IsFinal() {
			return apperrors.NotFound("job")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *followSubscription) currentState(ctx context.Context) (models.JobState, error) {
	cached, found, err := s.orch.cache.GetJobState(ctx, s.job.ID)
	if err == nil && found {
		return models.JobState(cached), nil
	}
	jobs, err := s.orch.store.GetJobs(ctx, []uuid.UUID{s.job.ID}, store.JobIncludeFlags{})
	if err != nil {
		return "", err
	}
	job, ok := jobs[s.job.ID]
	if !ok {
		return "", apperrors.NotFound("job")
	}
	return job.Status.State, nil
}
