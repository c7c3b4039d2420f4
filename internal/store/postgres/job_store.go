// Package postgres implements the state store ports for Job, Group, and
// Agent over Postgres via jackc/pgx/v5: a pool-backed struct per entity,
// EnsureSchema issuing CREATE TABLE IF NOT EXISTS plus indices, and
// pgx.ErrNoRows translated to the domain sentinel errors.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"testforge/internal/domain/job"
	"testforge/internal/shared/logging"
)

const jobsTable = "jobs"

// JobStore persists Jobs in Postgres.
type JobStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewJobStore constructs a Postgres-backed job store.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool, logger: logging.NewComponentLogger("JobStore")}
}

// EnsureSchema creates the jobs table and the indices the list and
// grouping queries depend on.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    app_version_id TEXT NOT NULL,
    test_path TEXT NOT NULL,
    target TEXT NOT NULL,
    priority INTEGER NOT NULL,
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    assigned_agent TEXT NOT NULL DEFAULT '',
    error_message TEXT,
    result JSONB,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_org_status ON jobs (org_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_appversion_target ON jobs (app_version_id, target);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs (priority DESC, created_at ASC);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure jobs schema: %w", err)
		}
	}
	return nil
}

// Create persists a new job with status=pending, retry_count=0.
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store not initialized")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()
	j.Status = job.StatusPending
	j.RetryCount = 0
	j.CreatedAt = now
	j.UpdatedAt = now

	metadata, err := marshalOrNull(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO jobs (id, org_id, app_version_id, test_path, target, priority, status,
                   retry_count, assigned_agent, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, j.ID, j.OrgID, j.AppVersionID, j.TestPath, string(j.Target), j.Priority, string(j.Status),
		j.RetryCount, j.AssignedAgent, metadata, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	row := s.pool.QueryRow(ctx, selectJobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching filter, ordered (priority DESC, created_at ASC).
func (s *JobStore) List(ctx context.Context, filter job.ListFilter) (job.ListResult, error) {
	if s == nil || s.pool == nil {
		return job.ListResult{}, fmt.Errorf("job store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 && limit != 0 {
		limit = 50
	}

	where := ""
	args := []any{}
	argN := 1
	if filter.OrgID != "" {
		where += fmt.Sprintf(" AND org_id = $%d", argN)
		args = append(args, filter.OrgID)
		argN++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}

	var total int
	countQuery := `SELECT count(*) FROM jobs WHERE true` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return job.ListResult{}, fmt.Errorf("count jobs: %w", err)
	}

	query := selectJobColumns + ` FROM jobs WHERE true` + where +
		fmt.Sprintf(" ORDER BY priority DESC, created_at ASC LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return job.ListResult{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return job.ListResult{}, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return job.ListResult{}, err
	}

	hasMore := filter.Offset+len(jobs) < total
	return job.ListResult{Jobs: jobs, Total: total, HasMore: hasMore}, nil
}

// JobsByAppVersionTarget returns pending/queued jobs for (app_version_id, target).
func (s *JobStore) JobsByAppVersionTarget(ctx context.Context, appVersionID string, target job.Target) ([]job.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	rows, err := s.pool.Query(ctx, selectJobColumns+`
FROM jobs WHERE app_version_id = $1 AND target = $2 AND status IN ('pending', 'queued')
ORDER BY priority DESC, created_at ASC`, appVersionID, string(target))
	if err != nil {
		return nil, fmt.Errorf("jobs by app version target: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// ListByStatus returns up to limit jobs with the given status.
func (s *JobStore) ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectJobColumns+`
FROM jobs WHERE status = $1 ORDER BY priority DESC, created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// UpdateJob applies a partial update atomically. When delta.Status is set,
// the UPDATE's WHERE clause enforces terminal-state monotonicity: a write
// targeting a new status is rejected if the current status is already
// completed or cancelled.
func (s *JobStore) UpdateJob(ctx context.Context, id string, delta job.Delta) (*job.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store not initialized")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	newStatus := current.Status
	if delta.Status != nil {
		if !job.CanTransition(current.Status, *delta.Status) {
			return nil, job.ErrIllegalTransition
		}
		newStatus = *delta.Status
	}

	set := []string{"updated_at = $1"}
	args := []any{time.Now()}
	argN := 2

	set = append(set, fmt.Sprintf("status = $%d", argN))
	args = append(args, string(newStatus))
	argN++

	if delta.RetryCount != nil {
		set = append(set, fmt.Sprintf("retry_count = $%d", argN))
		args = append(args, *delta.RetryCount)
		argN++
	}
	if delta.AssignedAgent != nil {
		set = append(set, fmt.Sprintf("assigned_agent = $%d", argN))
		args = append(args, *delta.AssignedAgent)
		argN++
	}
	if delta.ErrorMessage != nil {
		set = append(set, fmt.Sprintf("error_message = $%d", argN))
		if delta.ErrorMessage.Valid {
			args = append(args, delta.ErrorMessage.Value)
		} else {
			args = append(args, nil)
		}
		argN++
	}
	if delta.Result != nil {
		resultJSON, err := json.Marshal(delta.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		set = append(set, fmt.Sprintf("result = $%d", argN))
		args = append(args, resultJSON)
		argN++
	}
	if delta.StartedAt != nil {
		set = append(set, fmt.Sprintf("started_at = $%d", argN))
		args = append(args, *delta.StartedAt)
		argN++
	}
	if delta.CompletedAt != nil {
		set = append(set, fmt.Sprintf("completed_at = $%d", argN))
		args = append(args, *delta.CompletedAt)
		argN++
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d AND status NOT IN ('completed', 'cancelled')`,
		joinSet(set), argN)
	args = append(args, id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr == job.ErrNotFound {
			return nil, job.ErrNotFound
		}
		return nil, job.ErrConflict
	}

	return s.Get(ctx, id)
}

// Delete removes a job record.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store not initialized")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

var _ job.Store = (*JobStore)(nil)

const selectJobColumns = `SELECT id, org_id, app_version_id, test_path, target, priority, status,
       retry_count, assigned_agent, error_message, result, metadata,
       created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var target, status string
	var errorMessage *string
	var result, metadata []byte

	if err := row.Scan(&j.ID, &j.OrgID, &j.AppVersionID, &j.TestPath, &target, &j.Priority, &status,
		&j.RetryCount, &j.AssignedAgent, &errorMessage, &result, &metadata,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, err
	}

	j.Target = job.Target(target)
	j.Status = job.Status(status)
	if errorMessage != nil {
		j.ErrorMessage = *errorMessage
	}
	if len(result) > 0 {
		var r job.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &r
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &j, nil
}

func scanJobRows(rows pgx.Rows) ([]job.Job, error) {
	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func marshalOrNull(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func joinSet(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
