package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, subject, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Kind, &k.Subject, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, kind, subject, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Kind, key.Subject, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes,
		key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Providers ---

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*RegisteredProvider, error) {
	var p RegisteredProvider
	err := s.pool.QueryRow(ctx,
		`SELECT id, domain, https, port, refresh_token, created_at, updated_at
		 FROM providers WHERE id = $1`, id,
	).Scan(&p.Spec.ID, &p.Spec.Domain, &p.Spec.HTTPS, &p.Spec.Port, &p.RefreshToken,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProvider(ctx context.Context, p *RegisteredProvider) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO providers (id, domain, https, port, refresh_token, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   domain = EXCLUDED.domain,
		   https = EXCLUDED.https,
		   port = EXCLUDED.port,
		   refresh_token = EXCLUDED.refresh_token,
		   updated_at = NOW()`,
		p.Spec.ID, p.Spec.Domain, p.Spec.HTTPS, p.Spec.Port, p.RefreshToken)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// --- Missed payments ---

func (s *PostgresStore) RecordMissedPayment(ctx context.Context, mp *MissedPayment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO missed_payments (resource_id, charge_id, amount, error, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		mp.ResourceID, mp.ChargeID, mp.Amount, mp.Error)
	if err != nil {
		return fmt.Errorf("record missed payment: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
