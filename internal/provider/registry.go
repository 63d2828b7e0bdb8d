package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/conductor/internal/store"
)

// Registry hands out Communication handles keyed by provider id. Handles are
// cached in-process for a bounded TTL so registration changes (endpoint
// moves, token rotation) are picked up without a restart.
type Registry struct {
	store       store.Store
	callTimeout time.Duration
	handleTTL   time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	handles map[string]handleEntry
}

type handleEntry struct {
	comm    *Communication
	expires time.Time
}

func NewRegistry(s store.Store, callTimeout, handleTTL time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:       s,
		callTimeout: callTimeout,
		handleTTL:   handleTTL,
		logger:      logger,
		handles:     make(map[string]handleEntry),
	}
}

// Communication returns a handle for the provider, building one from its
// registration if the cached handle is missing or expired.
func (r *Registry) Communication(ctx context.Context, providerID string) (*Communication, error) {
	r.mu.Lock()
	entry, ok := r.handles[providerID]
	r.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.comm, nil
	}
	return r.rebuild(ctx, providerID)
}

// Invoke runs fn with a handle for the provider. On an authentication
// failure the handle is rebuilt from the store once and fn retried, so token
// rotations are transparent to callers.
func (r *Registry) Invoke(ctx context.Context, providerID string, fn func(*Communication) error) error {
	comm, err := r.Communication(ctx, providerID)
	if err != nil {
		return err
	}

	err = fn(comm)
	if !errors.Is(err, ErrAuthFailed) {
		return err
	}

	r.logger.Info("provider handle rejected, refreshing", "provider", providerID)
	comm, rebuildErr := r.rebuild(ctx, providerID)
	if rebuildErr != nil {
		return rebuildErr
	}
	return fn(comm)
}

// Invalidate drops the cached handle for a provider.
func (r *Registry) Invalidate(providerID string) {
	r.mu.Lock()
	delete(r.handles, providerID)
	r.mu.Unlock()
}

func (r *Registry) rebuild(ctx context.Context, providerID string) (*Communication, error) {
	registered, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("provider %q is not registered: %w", providerID, err)
		}
		return nil, fmt.Errorf("load provider %q: %w", providerID, err)
	}

	comm := newCommunication(registered.Spec, registered.RefreshToken, r.callTimeout)
	r.mu.Lock()
	r.handles[providerID] = handleEntry{comm: comm, expires: time.Now().Add(r.handleTTL)}
	r.mu.Unlock()
	return comm, nil
}
