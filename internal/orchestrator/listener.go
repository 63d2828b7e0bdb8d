package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Listener receives job lifecycle events. Registration order is invocation
// order; all hooks run synchronously so failures are deterministic.
//
// OnVerified failures veto the job (they encode hard business invariants such
// as a referenced resource not being ready). OnCreate failures abort the
// submission batch and trigger compensation. OnTermination failures are
// logged and swallowed: termination must always run to completion so that
// resources are released.
type Listener interface {
	OnVerified(ctx context.Context, job *models.Job) error
	OnCreate(ctx context.Context, job *models.Job) error
	OnTermination(ctx context.Context, job *models.Job) error
}

// Listeners is the ordered registry of lifecycle listeners. Register
// everything at startup, before the first job is submitted.
type Listeners struct {
	listeners []Listener
	logger    *slog.Logger
}

func NewListeners(logger *slog.Logger) *Listeners {
	return &Listeners{logger: logger}
}

func (l *Listeners) Register(listener Listener) {
	l.listeners = append(l.listeners, listener)
}

func (l *Listeners) notifyVerified(ctx context.Context, job *models.Job) error {
	for _, listener := range l.listeners {
		if err := listener.OnVerified(ctx, job); err != nil {
			return fmt.Errorf("lifecycle listener rejected job: %w", err)
		}
	}
	return nil
}

func (l *Listeners) notifyCreate(ctx context.Context, job *models.Job) error {
	for _, listener := range l.listeners {
		if err := listener.OnCreate(ctx, job); err != nil {
			return fmt.Errorf("lifecycle listener failed on create: %w", err)
		}
	}
	return nil
}

// notifyTermination never fails: a listener error is logged and the fan-out
// continues with the remaining listeners.
func (l *Listeners) notifyTermination(ctx context.Context, job *models.Job) {
	for _, listener := range l.listeners {
		if err := listener.OnTermination(ctx, job); err != nil {
			l.logger.Error("termination listener failed",
				"job_id", job.ID, "listener", fmt.Sprintf("%T", listener), "error", err)
		}
	}
}
