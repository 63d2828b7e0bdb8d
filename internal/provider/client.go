package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Sentinel errors for provider communication failures.
var (
	ErrProviderUnreachable = errors.New("provider unreachable")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrAuthFailed          = errors.New("provider authentication failed")
)

// Communication is an authenticated handle to one provider's compute API.
// Handles are cheap value-like objects built by the Registry; they must not
// be held past their registry TTL.
type Communication struct {
	spec   models.ProviderSpecification
	token  string
	client *http.Client

	// streamClient carries no overall timeout: follow streams live for as
	// long as their context does.
	streamClient *http.Client
}

func newCommunication(spec models.ProviderSpecification, token string, timeout time.Duration) *Communication {
	return &Communication{
		spec:         spec,
		token:        token,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// Spec returns the provider endpoint metadata this handle talks to.
func (c *Communication) Spec() models.ProviderSpecification { return c.spec }

// CreateJobs asks the provider to start scheduling the given jobs. All jobs
// must belong to this provider.
func (c *Communication) CreateJobs(ctx context.Context, jobs []*models.Job) error {
	return c.postJSON(ctx, "/api/jobs", jobs, nil)
}

// DeleteJobs asks the provider to stop the given jobs. Idempotent on the
// provider side.
func (c *Communication) DeleteJobs(ctx context.Context, jobs []*models.Job) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/jobs", jobs)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ExtendJob requests more wall time for a running job.
func (c *Communication) ExtendJob(ctx context.Context, job *models.Job, requestedMillis int64) error {
	body := extendRequest{Job: job, RequestedTimeMillis: requestedMillis}
	return c.postJSON(ctx, fmt.Sprintf("/api/jobs/%s/extend", job.ID), body, nil)
}

// OpenInteractiveSession negotiates a web, VNC or shell session for one
// replica of a running job.
func (c *Communication) OpenInteractiveSession(ctx context.Context, job *models.Job, rank int, sessionType models.InteractiveSessionType) (*models.OpenSession, error) {
	body := sessionRequest{JobID: job.ID.String(), Rank: rank, SessionType: sessionType}
	var session models.OpenSession
	if err := c.postJSON(ctx, fmt.Sprintf("/api/jobs/%s/interactive-session", job.ID), body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// RetrieveUtilization fetches the provider's self-reported load for a product
// category.
func (c *Communication) RetrieveUtilization(ctx context.Context, category string) (*models.Utilization, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/jobs/utilization?category="+url.QueryEscape(category), nil)
	if err != nil {
		return nil, err
	}
	var util models.Utilization
	if err := c.do(req, &util); err != nil {
		return nil, err
	}
	return &util, nil
}

// RetrieveProducts fetches the provider's support declarations for everything
// it sells.
func (c *Communication) RetrieveProducts(ctx context.Context) ([]models.ComputeSupport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/products", nil)
	if err != nil {
		return nil, err
	}
	var support []models.ComputeSupport
	if err := c.do(req, &support); err != nil {
		return nil, err
	}
	return support, nil
}

// CreateResource asks the provider to provision a bound resource (ingress,
// license seat, public IP).
func (c *Communication) CreateResource(ctx context.Context, res *models.BoundResource) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/%s", resourcePath(res.Kind)), res, nil)
}

// DeleteResource asks the provider to release a bound resource.
func (c *Communication) DeleteResource(ctx context.Context, res *models.BoundResource) error {
	req, err := c.newRequest(ctx, http.MethodDelete,
		fmt.Sprintf("/api/%s/%s", resourcePath(res.Kind), res.ID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// UpdateFirewall pushes a new firewall rule set for an ingress or network IP.
func (c *Communication) UpdateFirewall(ctx context.Context, res *models.BoundResource, rules []models.FirewallRule) error {
	return c.postJSON(ctx,
		fmt.Sprintf("/api/%s/%s/firewall", resourcePath(res.Kind), res.ID), rules, nil)
}

func resourcePath(kind models.ResourceKind) string {
	switch kind {
	case models.ResourceKindIngress:
		return "ingresses"
	case models.ResourceKindLicense:
		return "licenses"
	case models.ResourceKindNetworkIP:
		return "network-ips"
	}
	return string(kind)
}

// Follow opens the provider's NDJSON log stream for a job. Messages are
// delivered on the returned channel until the stream ends or ctx is
// cancelled; the channel is closed afterwards. CancelStream (closing the
// request context) is the only way to stop the provider-side stream.
func (c *Communication) Follow(ctx context.Context, jobID uuid.UUID) (<-chan models.FollowMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/%s/follow", jobID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	if err := checkStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	out := make(chan models.FollowMessage)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var msg models.FollowMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Communication) postJSON(ctx context.Context, path string, body, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Communication) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.spec.BaseURL()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Communication) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding provider response: %w", err)
	}
	return nil
}

func checkStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuthFailed, code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: status %d", ErrProviderRejected, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrProviderUnreachable, code)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
}

type extendRequest struct {
	Job                 *models.Job `json:"job"`
	RequestedTimeMillis int64       `json:"requested_time_millis"`
}

type sessionRequest struct {
	JobID       string                        `json:"job_id"`
	Rank        int                           `json:"rank"`
	SessionType models.InteractiveSessionType `json:"session_type"`
}
