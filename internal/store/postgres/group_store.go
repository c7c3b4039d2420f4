package postgres

import (
	"fmt"
	"time"

	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"testforge/internal/domain/group"
	"testforge/internal/domain/job"
	"testforge/internal/shared/logging"
)

// GroupStore persists Groups in Postgres.
type GroupStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewGroupStore constructs a Postgres-backed group store.
func NewGroupStore(pool *pgxpool.Pool) *GroupStore {
	return &GroupStore{pool: pool, logger: logging.NewComponentLogger("GroupStore")}
}

// EnsureSchema creates the job_groups table and its index.
func (s *GroupStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("group store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS job_groups (
    id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    app_version_id TEXT NOT NULL,
    target TEXT NOT NULL,
    status TEXT NOT NULL,
    assigned_agent TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_groups_appversion_target ON job_groups (app_version_id, target);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure job_groups schema: %w", err)
		}
	}
	return nil
}

// Create persists a new Group with status=pending.
func (s *GroupStore) Create(ctx context.Context, g *group.Group) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("group store not initialized")
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now()
	g.Status = group.StatusPending
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
INSERT INTO job_groups (id, org_id, app_version_id, target, status, assigned_agent, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, g.ID, g.OrgID, g.AppVersionID, string(g.Target), string(g.Status), g.AssignedAgent, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Get retrieves a Group by id.
func (s *GroupStore) Get(ctx context.Context, id string) (*group.Group, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("group store not initialized")
	}
	row := s.pool.QueryRow(ctx, selectGroupColumns+` FROM job_groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, group.ErrNotFound
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// GetActiveByKey returns the single active (non-completed) Group for key.
func (s *GroupStore) GetActiveByKey(ctx context.Context, key group.Key) (*group.Group, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("group store not initialized")
	}
	row := s.pool.QueryRow(ctx, selectGroupColumns+`
FROM job_groups WHERE org_id = $1 AND app_version_id = $2 AND target = $3 AND status != 'completed'
ORDER BY created_at DESC LIMIT 1`, key.OrgID, key.AppVersionID, string(key.Target))
	g, err := scanGroup(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, group.ErrNotFound
		}
		return nil, fmt.Errorf("get active group by key: %w", err)
	}
	return g, nil
}

// UpdateGroup applies a partial update atomically.
func (s *GroupStore) UpdateGroup(ctx context.Context, id string, delta group.Delta) (*group.Group, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("group store not initialized")
	}

	set := []string{"updated_at = $1"}
	args := []any{time.Now()}
	argN := 2

	if delta.Status != nil {
		set = append(set, fmt.Sprintf("status = $%d", argN))
		args = append(args, string(*delta.Status))
		argN++
	}
	if delta.AssignedAgent != nil {
		set = append(set, fmt.Sprintf("assigned_agent = $%d", argN))
		args = append(args, *delta.AssignedAgent)
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

	query := fmt.Sprintf(`UPDATE job_groups SET %s WHERE id = $%d`, joinSet(set), argN)
	args = append(args, id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, group.ErrNotFound
	}
	return s.Get(ctx, id)
}

var _ group.Store = (*GroupStore)(nil)

const selectGroupColumns = `SELECT id, org_id, app_version_id, target, status, assigned_agent,
       created_at, updated_at, started_at, completed_at`

func scanGroup(row rowScanner) (*group.Group, error) {
	var g group.Group
	var target, status string
	if err := row.Scan(&g.ID, &g.OrgID, &g.AppVersionID, &target, &status, &g.AssignedAgent,
		&g.CreatedAt, &g.UpdatedAt, &g.StartedAt, &g.CompletedAt); err != nil {
		return nil, err
	}
	g.Target = job.Target(target)
	g.Status = group.Status(status)
	return &g, nil
}
