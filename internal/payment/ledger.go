package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Sentinel errors for ledger operations.
var (
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	ErrLedgerTimeout     = errors.New("ledger timeout")
	ErrInsufficientFunds = errors.New("insufficient funds in wallet")
	ErrDuplicateCharge   = errors.New("charge already applied")
)

// Ledger is the external wallet service. Reservations and charges are keyed
// by caller-supplied idempotency tokens so retries are safe.
type Ledger interface {
	ReserveCredits(ctx context.Context, req ReservationRequest) error
	ChargeReservation(ctx context.Context, req ChargeRequest) error
	ReleaseReservation(ctx context.Context, reservationID string) error
}

// ReservationRequest holds funds against a wallet until charged or released.
type ReservationRequest struct {
	ReservationID string        `json:"reservation_id"`
	Wallet        models.Wallet `json:"wallet"`
	Amount        int64         `json:"amount"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// ChargeRequest debits a wallet for work already performed. ChargeID makes
// the debit idempotent.
type ChargeRequest struct {
	ChargeID      string        `json:"charge_id"`
	ReservationID string        `json:"reservation_id"`
	Wallet        models.Wallet `json:"wallet"`
	Amount        int64         `json:"amount"`
	Description   string        `json:"description,omitempty"`
}

// HTTPLedger implements Ledger against the accounting service's HTTP API.
type HTTPLedger struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPLedger(baseURL, token string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (l *HTTPLedger) ReserveCredits(ctx context.Context, req ReservationRequest) error {
	return l.post(ctx, "/api/accounting/reserve", req)
}

func (l *HTTPLedger) ChargeReservation(ctx context.Context, req ChargeRequest) error {
	return l.post(ctx, "/api/accounting/charge", req)
}

func (l *HTTPLedger) ReleaseReservation(ctx context.Context, reservationID string) error {
	return l.post(ctx, "/api/accounting/release", map[string]string{"reservation_id": reservationID})
}

func (l *HTTPLedger) post(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding ledger request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if l.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case http.StatusConflict:
		return ErrDuplicateCharge
	default:
		return fmt.Errorf("%w: status %d", ErrLedgerUnreachable, resp.StatusCode)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
}

var _ Ledger = (*HTTPLedger)(nil)
