package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/conductor/internal/cache"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// CachedClient wraps a Client with a Redis read-through cache. Catalog entries
// are immutable per version, so a short TTL only bounds memory, not staleness.
type CachedClient struct {
	inner  Client
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedClient(inner Client, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedClient {
	return &CachedClient{inner: inner, cache: c, ttl: ttl, logger: logger}
}

func (c *CachedClient) ResolveApplication(ctx context.Context, app models.NameAndVersion) (*models.Application, error) {
	key := cache.ApplicationKey(app.Name, app.Version)
	var out models.Application
	if c.fromCache(ctx, key, &out) {
		return &out, nil
	}

	resolved, err := c.inner.ResolveApplication(ctx, app)
	if err != nil {
		return nil, err
	}
	c.toCache(ctx, key, resolved)
	return resolved, nil
}

func (c *CachedClient) FindProduct(ctx context.Context, ref models.ProductReference) (*models.Product, error) {
	key := cache.ProductKey(ref.Provider, ref.Category, ref.ID)
	var out models.Product
	if c.fromCache(ctx, key, &out) {
		return &out, nil
	}

	product, err := c.inner.FindProduct(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.toCache(ctx, key, product)
	return product, nil
}

func (c *CachedClient) Ready(ctx context.Context) error {
	return c.inner.Ready(ctx)
}

// fromCache is best-effort: cache failures fall through to the catalog.
func (c *CachedClient) fromCache(ctx context.Context, key string, out any) bool {
	raw, found, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("catalog cache read failed", "key", key, "error", err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn("catalog cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (c *CachedClient) toCache(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("catalog cache write failed", "key", key, "error", err)
	}
}

var _ Client = (*CachedClient)(nil)
