package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Table names per resource kind. Kinds are always mapped through these so no
// request-supplied string ever reaches SQL.
var resourceTables = map[models.ResourceKind]struct {
	table   string
	updates string
}{
	models.ResourceKindIngress:   {"ingresses", "ingress_updates"},
	models.ResourceKindLicense:   {"licenses", "license_updates"},
	models.ResourceKindNetworkIP: {"network_ips", "network_ip_updates"},
}

func tablesFor(kind models.ResourceKind) (string, string, error) {
	t, ok := resourceTables[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown resource kind %q", kind)
	}
	return t.table, t.updates, nil
}

const resourceColumns = `id, launched_by, project, product_id, product_category, product_provider,
	state, address, bound_to, created_at, updated_at`

func scanResource(row pgx.Row, kind models.ResourceKind) (*models.BoundResource, error) {
	var r models.BoundResource
	r.Kind = kind
	err := row.Scan(
		&r.ID, &r.Owner.LaunchedBy, &r.Owner.Project,
		&r.Product.ID, &r.Product.Category, &r.Product.Provider,
		&r.State, &r.Address, &r.BoundTo, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateResource(ctx context.Context, res *models.BoundResource) error {
	table, _, err := tablesFor(res.Kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, launched_by, project, product_id, product_category,
		   product_provider, state, address, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`, table),
		res.ID, res.Owner.LaunchedBy, res.Owner.Project,
		res.Product.ID, res.Product.Category, res.Product.Provider,
		res.State, res.Address, res.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create %s: %w", res.Kind, err)
	}
	return nil
}

func (s *PostgresStore) GetResources(ctx context.Context, kind models.ResourceKind, ids []uuid.UUID) (map[uuid.UUID]*models.BoundResource, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*models.BoundResource{}, nil
	}
	table, _, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1)`, resourceColumns, table), ids)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", kind, err)
	}
	defer rows.Close()

	resources := make(map[uuid.UUID]*models.BoundResource)
	for rows.Next() {
		r, err := scanResource(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		resources[r.ID] = r
	}
	return resources, rows.Err()
}

func (s *PostgresStore) BrowseResources(ctx context.Context, kind models.ResourceKind, filter ResourceFilter) ([]*models.BoundResource, int, error) {
	table, _, err := tablesFor(kind)
	if err != nil {
		return nil, 0, err
	}

	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.LaunchedBy != "" {
		conditions = append(conditions, fmt.Sprintf("launched_by = $%d", argIdx))
		args = append(args, filter.LaunchedBy)
		argIdx++
	}
	if filter.Project != "" {
		conditions = append(conditions, fmt.Sprintf("project = $%d", argIdx))
		args = append(args, filter.Project)
		argIdx++
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, filter.State)
		argIdx++
	}
	if filter.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("product_provider = $%d", argIdx))
		args = append(args, filter.Provider)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", kind, err)
	}

	_, limit, offset := normalizePagination(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		resourceColumns, table, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("browse %s: %w", kind, err)
	}
	defer rows.Close()

	var resources []*models.BoundResource
	for rows.Next() {
		r, err := scanResource(rows, kind)
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", kind, err)
		}
		resources = append(resources, r)
	}
	return resources, total, rows.Err()
}

func (s *PostgresStore) SetResourceState(ctx context.Context, kind models.ResourceKind, id uuid.UUID, state models.ResourceState, status *string) error {
	table, updatesTable, err := tablesFor(kind)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set resource state: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $2, updated_at = NOW() WHERE id = $1`, table),
		id, state)
	if err != nil {
		return fmt.Errorf("set %s state: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (resource_id, ts, state, status) VALUES ($1, NOW(), $2, $3)`, updatesTable),
		id, state, status)
	if err != nil {
		return fmt.Errorf("insert %s update: %w", kind, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit set resource state: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteResource(ctx context.Context, kind models.ResourceKind, id uuid.UUID) error {
	table, _, err := tablesFor(kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND cardinality(bound_to) = 0`, table), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ApplyResourceBinding(ctx context.Context, kind models.ResourceKind, id uuid.UUID, binding models.JobBinding, exclusive bool) error {
	table, updatesTable, err := tablesFor(kind)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin binding: %w", err)
	}
	defer tx.Rollback(ctx)

	var tag interface{ RowsAffected() int64 }
	switch binding.Kind {
	case models.BindingKindBind:
		t, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET
			   bound_to = array_append(bound_to, $2),
			   updated_at = NOW()
			 WHERE id = $1
			   AND NOT (bound_to @> ARRAY[$2]::uuid[])
			   AND (NOT $3 OR cardinality(bound_to) = 0)`, table),
			id, binding.Job, exclusive)
		if err != nil {
			return fmt.Errorf("bind %s: %w", kind, err)
		}
		tag = t
	case models.BindingKindUnbind:
		t, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET
			   bound_to = array_remove(bound_to, $2),
			   updated_at = NOW()
			 WHERE id = $1`, table),
			id, binding.Job)
		if err != nil {
			return fmt.Errorf("unbind %s: %w", kind, err)
		}
		tag = t
	default:
		return fmt.Errorf("unknown binding kind %q", binding.Kind)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check %s existence: %w", kind, err)
		}
		if !exists {
			return ErrNotFound
		}
		if binding.Kind == models.BindingKindBind {
			return ErrBindingConflict
		}
	}

	encoded, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("encode binding: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (resource_id, ts, binding) VALUES ($1, NOW(), $2)`, updatesTable),
		id, encoded)
	if err != nil {
		return fmt.Errorf("insert binding update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit binding: %w", err)
	}
	return nil
}
