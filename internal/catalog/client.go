package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Sentinel errors for catalog client failures.
var (
	ErrCatalogUnreachable = errors.New("catalog unreachable")
	ErrCatalogTimeout     = errors.New("catalog timeout")
	ErrEntryNotFound      = errors.New("catalog entry not found")
)

// Client resolves applications and products from the platform catalog. The
// catalog is read-only from the orchestrator's point of view.
type Client interface {
	ResolveApplication(ctx context.Context, app models.NameAndVersion) (*models.Application, error)
	FindProduct(ctx context.Context, ref models.ProductReference) (*models.Product, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client using the catalog service's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new catalog HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ResolveApplication(ctx context.Context, app models.NameAndVersion) (*models.Application, error) {
	u := fmt.Sprintf("%s/api/catalog/applications/%s/%s",
		c.baseURL, url.PathEscape(app.Name), url.PathEscape(app.Version))

	var out models.Application
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FindProduct(ctx context.Context, ref models.ProductReference) (*models.Product, error) {
	u := fmt.Sprintf("%s/api/catalog/products/%s/%s/%s",
		c.baseURL, url.PathEscape(ref.Provider), url.PathEscape(ref.Category), url.PathEscape(ref.ID))

	var out models.Product
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: catalog not ready (status %d)", ErrCatalogUnreachable, resp.StatusCode)
	}

	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrEntryNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrCatalogUnreachable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding catalog response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCatalogTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrCatalogTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrCatalogUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrCatalogUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
