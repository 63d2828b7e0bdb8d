package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

const jobColumns = `id, launched_by, project, application_name, application_version,
	product_id, product_category, product_provider, name, replicas, allow_duplicate_job,
	time_allocation_millis, price_per_unit, credits_charged, allocated_credits,
	current_state, started_at, output_folder, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.Owner.LaunchedBy, &j.Owner.Project,
		&j.Specification.Application.Name, &j.Specification.Application.Version,
		&j.Specification.Product.ID, &j.Specification.Product.Category, &j.Specification.Product.Provider,
		&j.Specification.Name, &j.Specification.Replicas, &j.Specification.AllowDuplicateJob,
		&j.Specification.TimeAllocationMillis,
		&j.Billing.PricePerUnit, &j.Billing.CreditsCharged, &j.Billing.AllocatedCredits,
		&j.Status.State, &j.Status.StartedAt, &j.OutputFolder,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if j.Status.StartedAt != nil && j.Specification.TimeAllocationMillis != nil {
		expires := j.Status.StartedAt.Add(time.Duration(*j.Specification.TimeAllocationMillis) * time.Millisecond)
		j.Status.ExpiresAt = &expires
	}
	return &j, nil
}

func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []*models.Job, exports [][]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create jobs: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, job := range jobs {
		var export []byte
		if i < len(exports) {
			export = exports[i]
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, launched_by, project, application_name, application_version,
			   product_id, product_category, product_provider, name, replicas, allow_duplicate_job,
			   time_allocation_millis, price_per_unit, credits_charged, allocated_credits,
			   current_state, exported_parameters, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15, $16, $17, $17)`,
			job.ID, job.Owner.LaunchedBy, job.Owner.Project,
			job.Specification.Application.Name, job.Specification.Application.Version,
			job.Specification.Product.ID, job.Specification.Product.Category, job.Specification.Product.Provider,
			job.Specification.Name, job.Specification.Replicas, job.Specification.AllowDuplicateJob,
			job.Specification.TimeAllocationMillis, job.Billing.PricePerUnit, job.Billing.AllocatedCredits,
			job.Status.State, export, job.CreatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert job: %w", err)
		}

		for name, value := range job.Specification.Parameters {
			encoded, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode parameter %q: %w", name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO job_input_parameters (job_id, name, value) VALUES ($1, $2, $3)`,
				job.ID, name, encoded); err != nil {
				return fmt.Errorf("insert job parameter: %w", err)
			}
		}

		for _, resource := range job.Specification.Resources {
			encoded, err := json.Marshal(resource)
			if err != nil {
				return fmt.Errorf("encode resource: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO job_resources (job_id, resource) VALUES ($1, $2)`,
				job.ID, encoded); err != nil {
				return fmt.Errorf("insert job resource: %w", err)
			}
		}

		for _, update := range job.Updates {
			if err := insertJobUpdate(ctx, tx, job.ID, update); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJobs(ctx context.Context, ids []uuid.UUID, flags JobIncludeFlags) (map[uuid.UUID]*models.Job, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*models.Job{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[uuid.UUID]*models.Job)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadJobExtras(ctx, jobs, flags); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *PostgresStore) BrowseJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
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
		conditions = append(conditions, fmt.Sprintf("current_state = $%d", argIdx))
		args = append(args, filter.State)
		argIdx++
	}
	if filter.Application != "" {
		conditions = append(conditions, fmt.Sprintf("application_name = $%d", argIdx))
		args = append(args, filter.Application)
		argIdx++
	}
	if filter.Version != "" {
		conditions = append(conditions, fmt.Sprintf("application_version = $%d", argIdx))
		args = append(args, filter.Version)
		argIdx++
	}
	if filter.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("product_provider = $%d", argIdx))
		args = append(args, filter.Provider)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	_, limit, offset := normalizePagination(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("browse jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	byID := make(map[uuid.UUID]*models.Job)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
		byID[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.loadJobExtras(ctx, byID, filter.Flags); err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// loadJobExtras eager-loads parameters, resources and updates for the given
// jobs according to flags.
func (s *PostgresStore) loadJobExtras(ctx context.Context, jobs map[uuid.UUID]*models.Job, flags JobIncludeFlags) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}

	if flags.IncludeParameters {
		rows, err := s.pool.Query(ctx,
			`SELECT job_id, name, value FROM job_input_parameters WHERE job_id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("load job parameters: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var jobID uuid.UUID
			var name string
			var raw []byte
			if err := rows.Scan(&jobID, &name, &raw); err != nil {
				return fmt.Errorf("scan job parameter: %w", err)
			}
			var value models.AppParameterValue
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("decode job parameter: %w", err)
			}
			job := jobs[jobID]
			if job.Specification.Parameters == nil {
				job.Specification.Parameters = make(map[string]models.AppParameterValue)
			}
			job.Specification.Parameters[name] = value
		}
		if err := rows.Err(); err != nil {
			return err
		}

		resRows, err := s.pool.Query(ctx,
			`SELECT job_id, resource FROM job_resources WHERE job_id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("load job resources: %w", err)
		}
		defer resRows.Close()
		for resRows.Next() {
			var jobID uuid.UUID
			var raw []byte
			if err := resRows.Scan(&jobID, &raw); err != nil {
				return fmt.Errorf("scan job resource: %w", err)
			}
			var value models.AppParameterValue
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("decode job resource: %w", err)
			}
			jobs[jobID].Specification.Resources = append(jobs[jobID].Specification.Resources, value)
		}
		if err := resRows.Err(); err != nil {
			return err
		}
	}

	if flags.IncludeUpdates {
		rows, err := s.pool.Query(ctx,
			`SELECT job_id, ts, state, status FROM job_updates WHERE job_id = ANY($1) ORDER BY ts, id`, ids)
		if err != nil {
			return fmt.Errorf("load job updates: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var jobID uuid.UUID
			var update models.JobUpdate
			if err := rows.Scan(&jobID, &update.Timestamp, &update.State, &update.Status); err != nil {
				return fmt.Errorf("scan job update: %w", err)
			}
			jobs[jobID].Updates = append(jobs[jobID].Updates, update)
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}

	return nil
}

func insertJobUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, update models.JobUpdate) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO job_updates (job_id, ts, state, status) VALUES ($1, $2, $3, $4)`,
		jobID, update.Timestamp, update.State, update.Status)
	if err != nil {
		return fmt.Errorf("insert job update: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertJobUpdate(ctx context.Context, jobID uuid.UUID, update models.JobUpdate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_updates (job_id, ts, state, status) VALUES ($1, $2, $3, $4)`,
		jobID, update.Timestamp, update.State, update.Status)
	if err != nil {
		return fmt.Errorf("insert job update: %w", err)
	}
	return nil
}

// SetJobState moves a job to a new state. started_at is recorded the first
// time the job is observed RUNNING.
func (s *PostgresStore) SetJobState(ctx context.Context, jobID uuid.UUID, state models.JobState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   current_state = $2,
		   started_at = CASE WHEN $2 = 'RUNNING' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		   updated_at = NOW()
		 WHERE id = $1`, jobID, state)
	if err != nil {
		return fmt.Errorf("set job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddCreditsCharged(ctx context.Context, jobID uuid.UUID, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET credits_charged = credits_charged + $2, updated_at = NOW() WHERE id = $1`,
		jobID, amount)
	if err != nil {
		return fmt.Errorf("add credits charged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetTimeAllocation(ctx context.Context, jobID uuid.UUID, millis int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET time_allocation_millis = $2, updated_at = NOW() WHERE id = $1`,
		jobID, millis)
	if err != nil {
		return fmt.Errorf("set time allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOutputFolder records the job's result folder. The folder is write-once;
// a second write is ignored.
func (s *PostgresStore) SetOutputFolder(ctx context.Context, jobID uuid.UUID, folder string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET output_folder = $2, updated_at = NOW()
		 WHERE id = $1 AND output_folder IS NULL`, jobID, folder)
	if err != nil {
		return fmt.Errorf("set output folder: %w", err)
	}
	return nil
}

// FindExpiredJobs returns non-terminal jobs whose time allocation has elapsed.
func (s *PostgresStore) FindExpiredJobs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM jobs
		 WHERE current_state NOT IN ('SUCCESS', 'FAILURE', 'EXPIRED')
		   AND started_at IS NOT NULL
		   AND time_allocation_millis IS NOT NULL
		   AND started_at + (time_allocation_millis * INTERVAL '1 millisecond') < $1
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
