package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/conductor/internal/cache"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// SupportCache resolves the feature flags a provider declares for a product.
// Lookups go through Redis so every instance shares one view; Invalidate
// forces a refetch after a provider updates its declarations.
type SupportCache struct {
	registry *Registry
	cache    cache.Cache
	ttl      time.Duration
	logger   *slog.Logger
}

func NewSupportCache(registry *Registry, c cache.Cache, ttl time.Duration, logger *slog.Logger) *SupportCache {
	return &SupportCache{registry: registry, cache: c, ttl: ttl, logger: logger}
}

// Lookup returns the ComputeSupport document for the product, fetching the
// provider's full product list on a cache miss.
func (s *SupportCache) Lookup(ctx context.Context, ref models.ProductReference) (*models.ComputeSupport, error) {
	key := cache.SupportKey(ref.Provider, ref.Category, ref.ID)
	if raw, found, err := s.cache.Get(ctx, key); err == nil && found {
		var support models.ComputeSupport
		if err := json.Unmarshal(raw, &support); err == nil {
			return &support, nil
		}
		s.logger.Warn("support cache entry corrupt", "key", key)
	} else if err != nil {
		s.logger.Warn("support cache read failed", "key", key, "error", err)
	}

	var products []models.ComputeSupport
	err := s.registry.Invoke(ctx, ref.Provider, func(comm *Communication) error {
		var err error
		products, err = comm.RetrieveProducts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve products from %q: %w", ref.Provider, err)
	}

	var match *models.ComputeSupport
	for i := range products {
		support := products[i]
		raw, err := json.Marshal(support)
		if err != nil {
			continue
		}
		k := cache.SupportKey(support.Product.Provider, support.Product.Category, support.Product.ID)
		if err := s.cache.Set(ctx, k, raw, s.ttl); err != nil {
			s.logger.Warn("support cache write failed", "key", k, "error", err)
		}
		if support.Product == ref {
			match = &products[i]
		}
	}

	if match == nil {
		return nil, fmt.Errorf("provider %q does not declare support for product %q", ref.Provider, ref.ID)
	}
	return match, nil
}

// Invalidate drops the cached support document for one product.
func (s *SupportCache) Invalidate(ctx context.Context, ref models.ProductReference) error {
	return s.cache.Delete(ctx, cache.SupportKey(ref.Provider, ref.Category, ref.ID))
}
