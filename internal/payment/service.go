package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// ChargeOutcome classifies the result of a charge attempt.
type ChargeOutcome string

const (
	ChargeOutcomeCharged           ChargeOutcome = "CHARGED"
	ChargeOutcomeInsufficientFunds ChargeOutcome = "INSUFFICIENT_FUNDS"
	ChargeOutcomeDuplicate         ChargeOutcome = "DUPLICATE"
)

// Service applies the billing rules for jobs: reserve the full allocation up
// front, charge for wall time actually used.
type Service struct {
	ledger Ledger
	store  store.Store
	logger *slog.Logger
}

func NewService(ledger Ledger, s store.Store, logger *slog.Logger) *Service {
	return &Service{ledger: ledger, store: s, logger: logger}
}

// Reserve holds the job's full possible cost against the owner's wallet and
// records the allocation on the job. Returns ErrInsufficientFunds when the
// wallet cannot cover it.
func (s *Service) Reserve(ctx context.Context, job *models.Job) error {
	var wallMillis int64
	if job.Specification.TimeAllocationMillis != nil {
		wallMillis = *job.Specification.TimeAllocationMillis
	}
	units := models.UnitsBilled(wallMillis, job.Specification.Replicas)
	amount := units * job.Billing.PricePerUnit

	err := s.ledger.ReserveCredits(ctx, ReservationRequest{
		ReservationID: reservationID(job),
		Wallet:        models.WalletFor(job.Owner, job.Specification.Product),
		Amount:        amount,
		ExpiresAt:     time.Now().Add(time.Duration(wallMillis) * time.Millisecond),
	})
	if err != nil {
		return fmt.Errorf("reserve %d credits for job %s: %w", amount, job.ID, err)
	}

	job.Billing.AllocatedCredits = amount
	return nil
}

// Release frees a reservation made by Reserve. Used when a later step of job
// submission fails.
func (s *Service) Release(ctx context.Context, job *models.Job) error {
	if err := s.ledger.ReleaseReservation(ctx, reservationID(job)); err != nil {
		return fmt.Errorf("release reservation for job %s: %w", job.ID, err)
	}
	return nil
}

// Charge debits the wallet for wallMillis of observed wall time. chargeID
// makes the debit idempotent across provider retries. A ledger outage is
// journaled to the missed-payments table and reported as charged so that it
// never blocks the job lifecycle.
func (s *Service) Charge(ctx context.Context, job *models.Job, chargeID string, wallMillis int64) (ChargeOutcome, error) {
	units := models.UnitsBilled(wallMillis, job.Specification.Replicas)
	amount := units * job.Billing.PricePerUnit
	if amount == 0 {
		return ChargeOutcomeCharged, nil
	}

	err := s.ledger.ChargeReservation(ctx, ChargeRequest{
		ChargeID:      chargeID,
		ReservationID: reservationID(job),
		Wallet:        models.WalletFor(job.Owner, job.Specification.Product),
		Amount:        amount,
		Description:   fmt.Sprintf("%s (%s)", job.Specification.Application.Name, job.ID),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientFunds):
		return ChargeOutcomeInsufficientFunds, nil
	case errors.Is(err, ErrDuplicateCharge):
		return ChargeOutcomeDuplicate, nil
	default:
		s.logger.Error("ledger charge failed, journaling missed payment",
			"job_id", job.ID, "charge_id", chargeID, "amount", amount, "error", err)
		if journalErr := s.store.RecordMissedPayment(ctx, &store.MissedPayment{
			ResourceID: job.ID.String(),
			ChargeID:   chargeID,
			Amount:     amount,
			Error:      err.Error(),
			CreatedAt:  time.Now().UTC(),
		}); journalErr != nil {
			s.logger.Error("recording missed payment failed", "job_id", job.ID, "error", journalErr)
		}
	}

	if err := s.store.AddCreditsCharged(ctx, job.ID, amount); err != nil {
		return ChargeOutcomeCharged, fmt.Errorf("record charged credits for job %s: %w", job.ID, err)
	}
	job.Billing.CreditsCharged += amount
	return ChargeOutcomeCharged, nil
}

func reservationID(job *models.Job) string {
	return "job-" + job.ID.String()
}
