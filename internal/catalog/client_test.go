package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// --- helpers ---

func catalogServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(baseURL, "secret-token", 5*time.Second)
}

// --- ResolveApplication tests ---

func TestResolveApplication_ValidResponse(t *testing.T) {
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/catalog/applications/blast/2.14.0" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			t.Errorf("missing bearer token")
		}

		app := models.Application{
			Metadata: models.NameAndVersion{Name: "blast", Version: "2.14.0"},
			Tool: models.Tool{
				Metadata:               models.NameAndVersion{Name: "blast-tool", Version: "1.0"},
				Backend:                models.ToolBackendDocker,
				DefaultTimeAllocMillis: 3_600_000,
				DefaultReplicas:        1,
			},
			Parameters: []models.ApplicationParameter{
				{Name: "input", Type: models.ParamTypeFile},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(app)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	app, err := c.ResolveApplication(context.Background(), models.NameAndVersion{Name: "blast", Version: "2.14.0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if app.Metadata.Name != "blast" {
		t.Errorf("unexpected name: %s", app.Metadata.Name)
	}
	if app.Tool.Backend != models.ToolBackendDocker {
		t.Errorf("unexpected backend: %s", app.Tool.Backend)
	}
	if len(app.Parameters) != 1 {
		t.Fatalf("expected 1 parameter, got %d", len(app.Parameters))
	}
}

func TestResolveApplication_NotFound(t *testing.T) {
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.ResolveApplication(context.Background(), models.NameAndVersion{Name: "missing", Version: "1.0"})
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestResolveApplication_ServerError(t *testing.T) {
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.ResolveApplication(context.Background(), models.NameAndVersion{Name: "blast", Version: "2.14.0"})
	if !errors.Is(err, ErrCatalogUnreachable) {
		t.Fatalf("expected ErrCatalogUnreachable, got %v", err)
	}
}

func TestResolveApplication_Unreachable(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.ResolveApplication(context.Background(), models.NameAndVersion{Name: "blast", Version: "2.14.0"})
	if !errors.Is(err, ErrCatalogUnreachable) {
		t.Fatalf("expected ErrCatalogUnreachable, got %v", err)
	}
}

// --- FindProduct tests ---

func TestFindProduct_ValidResponse(t *testing.T) {
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/catalog/products/k8s/standard/standard-4" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		product := models.Product{
			ID: "standard-4", Category: "standard", Provider: "k8s", PricePerUnit: 100,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(product)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	product, err := c.FindProduct(context.Background(), models.ProductReference{
		ID: "standard-4", Category: "standard", Provider: "k8s",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product.PricePerUnit != 100 {
		t.Errorf("unexpected price: %d", product.PricePerUnit)
	}
}

func TestFindProduct_NotFound(t *testing.T) {
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.FindProduct(context.Background(), models.ProductReference{
		ID: "x", Category: "y", Provider: "z",
	})
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

// --- Ready tests ---

func TestReady_OK(t *testing.T) {
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if err := c.Ready(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReady_NotReady(t *testing.T) {
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if err := c.Ready(context.Background()); !errors.Is(err, ErrCatalogUnreachable) {
		t.Fatalf("expected ErrCatalogUnreachable, got %v", err)
	}
}

// --- CachedClient tests ---

// memoryCache is a minimal in-process cache.Cache for tests.
type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryCache) Ping(context.Context) error { return nil }

func (m *memoryCache) SetJobState(context.Context, uuid.UUID, string, time.Duration) error {
	return nil
}

func (m *memoryCache) GetJobState(context.Context, uuid.UUID) (string, bool, error) {
	return "", false, nil
}

func (m *memoryCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memoryCache) AcquireLease(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (m *memoryCache) RenewLease(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (m *memoryCache) ReleaseLease(context.Context, string, string) error { return nil }

func TestCachedClient_SecondLookupSkipsCatalog(t *testing.T) {
	var calls int
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		product := models.Product{ID: "standard-4", Category: "standard", Provider: "k8s", PricePerUnit: 100}
		json.NewEncoder(w).Encode(product)
	})
	defer ts.Close()

	cached := NewCachedClient(newTestClient(t, ts.URL), newMemoryCache(), time.Minute,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ref := models.ProductReference{ID: "standard-4", Category: "standard", Provider: "k8s"}
	for i := 0; i < 3; i++ {
		product, err := cached.FindProduct(context.Background(), ref)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if product.PricePerUnit != 100 {
			t.Errorf("unexpected price: %d", product.PricePerUnit)
		}
	}

	if calls != 1 {
		t.Errorf("expected 1 catalog call, got %d", calls)
	}
}

func TestCachedClient_ErrorNotCached(t *testing.T) {
	var calls int
	ts := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	})
	defer ts.Close()

	cached := NewCachedClient(newTestClient(t, ts.URL), newMemoryCache(), time.Minute,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	app := models.NameAndVersion{Name: "missing", Version: "1.0"}
	for i := 0; i < 2; i++ {
		if _, err := cached.ResolveApplication(context.Background(), app); !errors.Is(err, ErrEntryNotFound) {
			t.Fatalf("expected ErrEntryNotFound, got %v", err)
		}
	}

	if calls != 2 {
		t.Errorf("expected 2 catalog calls, got %d", calls)
	}
}
