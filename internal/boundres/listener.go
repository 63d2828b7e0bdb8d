package boundres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/apperrors"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Listener enforces one resource kind's binding rules across the job
// lifecycle. Verification vetoes jobs referencing unusable resources,
// creation binds, termination unbinds. One Listener per kind is registered
// with the orchestrator at startup.
type Listener struct {
	kind  Kind
	store store.Store
}

func NewListener(kind Kind, s store.Store) *Listener {
	return &Listener{kind: kind, store: s}
}

// OnVerified checks that every referenced resource of this kind exists, is
// visible to the job's owner, is READY, lives at the job's provider, and is
// free when the kind binds exclusively.
func (l *Listener) OnVerified(ctx context.Context, job *models.Job) error {
	refs := l.kind.referencesOf(job)
	if len(refs) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		id, err := uuid.Parse(ref)
		if err != nil {
			return apperrors.Verification(string(l.kind.ParamType), "invalid %s id %q", l.kind.Kind, ref)
		}
		ids = append(ids, id)
	}

	resources, err := l.store.GetResources(ctx, l.kind.Kind, ids)
	if err != nil {
		return apperrors.Internal(fmt.Sprintf("load %s resources", l.kind.Kind), err)
	}

	for _, id := range ids {
		res, ok := resources[id]
		if !ok || !visibleTo(res, job.Owner) {
			return apperrors.Verification(string(l.kind.ParamType), "%s %s not found", l.kind.Kind, id)
		}
		if res.State != models.ResourceStateReady {
			return apperrors.Verification(string(l.kind.ParamType), "%s %s is not ready", l.kind.Kind, id)
		}
		if res.Product.Provider != job.Specification.Product.Provider {
			return apperrors.Verification(string(l.kind.ParamType),
				"%s %s belongs to provider %s, the job runs at %s",
				l.kind.Kind, id, res.Product.Provider, job.Specification.Product.Provider)
		}
		if l.kind.Exclusive && len(res.BoundTo) > 0 {
			return apperrors.Verification(string(l.kind.ParamType), "%s %s is already in use", l.kind.Kind, id)
		}
	}
	return nil
}

// OnCreate binds every referenced resource to the job. A lost race on an
// exclusive resource surfaces as a conflict, which aborts the submission.
func (l *Listener) OnCreate(ctx context.Context, job *models.Job) error {
	for _, id := range l.referenceIDs(job) {
		binding := models.JobBinding{Kind: models.BindingKindBind, Job: job.ID}
		err := l.store.ApplyResourceBinding(ctx, l.kind.Kind, id, binding, l.kind.Exclusive)
		if errors.Is(err, store.ErrBindingConflict) || errors.Is(err, store.ErrNotFound) {
			return apperrors.Duplicate(string(l.kind.Kind), fmt.Sprintf("%s %s is already in use", l.kind.Kind, id))
		}
		if err != nil {
			return apperrors.Internal(fmt.Sprintf("bind %s", l.kind.Kind), err)
		}
	}
	return nil
}

// OnTermination releases the job's bindings. Errors propagate so the
// orchestrator can log them, but termination itself never aborts.
func (l *Listener) OnTermination(ctx context.Context, job *models.Job) error {
	for _, id := range l.referenceIDs(job) {
		binding := models.JobBinding{Kind: models.BindingKindUnbind, Job: job.ID}
		if err := l.store.ApplyResourceBinding(ctx, l.kind.Kind, id, binding, false); err != nil {
			return fmt.Errorf("unbind %s %s from job %s: %w", l.kind.Kind, id, job.ID, err)
		}
	}
	return nil
}

func (l *Listener) referenceIDs(job *models.Job) []uuid.UUID {
	refs := l.kind.referencesOf(job)
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		id, err := uuid.Parse(ref)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// visibleTo reports whether owner may reference res: the launcher owns it,
// or both live in the same project.
func visibleTo(res *models.BoundResource, owner models.JobOwner) bool {
	if res.Owner.LaunchedBy == owner.LaunchedBy {
		return true
	}
	if res.Owner.Project != nil && owner.Project != nil && *res.Owner.Project == *owner.Project {
		return true
	}
	return false
}
