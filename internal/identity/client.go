package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for identity service failures.
var (
	ErrIdentityUnreachable = errors.New("identity service unreachable")
	ErrIdentityTimeout     = errors.New("identity service timeout")
)

// Membership is a user's standing in a project.
type Membership struct {
	Member bool `json:"member"`
	Admin  bool `json:"admin"`
}

// Client is the external identity/session service. The orchestrator consults
// it for project membership and revokes job-scoped tokens when jobs end.
type Client interface {
	Membership(ctx context.Context, username, project string) (Membership, error)
	InvalidateTokens(ctx context.Context, subject string) error
}

// HTTPClient implements Client using the identity service's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Membership(ctx context.Context, username, project string) (Membership, error) {
	u := fmt.Sprintf("%s/api/projects/%s/members/%s",
		c.baseURL, url.PathEscape(project), url.PathEscape(username))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Membership{}, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Membership{}, classifyError(err)
	}
	defer resp.Body.Close()

	// A user who is not in the project is a negative answer, not an error.
	if resp.StatusCode == http.StatusNotFound {
		return Membership{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Membership{}, fmt.Errorf("%w: status %d", ErrIdentityUnreachable, resp.StatusCode)
	}

	var m Membership
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Membership{}, fmt.Errorf("decoding membership response: %w", err)
	}
	return m, nil
}

func (c *HTTPClient) InvalidateTokens(ctx context.Context, subject string) error {
	u := fmt.Sprintf("%s/api/tokens/%s", c.baseURL, url.PathEscape(subject))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	// Nothing to invalidate is success.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%w: status %d", ErrIdentityUnreachable, resp.StatusCode)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrIdentityTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrIdentityTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrIdentityUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrIdentityUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
