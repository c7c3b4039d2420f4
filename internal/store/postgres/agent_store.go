package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"testforge/internal/domain/agent"
	"testforge/internal/domain/job"
	"testforge/internal/shared/logging"
)

// AgentStore persists Agents in Postgres.
type AgentStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewAgentStore constructs a Postgres-backed agent store.
func NewAgentStore(pool *pgxpool.Pool) *AgentStore {
	return &AgentStore{pool: pool, logger: logging.NewComponentLogger("AgentStore")}
}

// EnsureSchema creates the agents table and its status index.
func (s *AgentStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("agent store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    capabilities JSONB NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    last_heartbeat TIMESTAMPTZ,
    max_concurrent_jobs INTEGER NOT NULL DEFAULT 3,
    current_jobs JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure agents schema: %w", err)
		}
	}
	return nil
}

// Create registers a new Agent.
func (s *AgentStore) Create(ctx context.Context, a *agent.Agent) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("agent store not initialized")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.MaxConcurrentJobs <= 0 {
		a.MaxConcurrentJobs = agent.DefaultMaxConcurrentJobs
	}
	now := time.Now()
	a.Status = agent.StatusOffline
	a.CurrentJobs = []string{}
	a.CreatedAt = now
	a.UpdatedAt = now

	capsJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	jobsJSON, err := json.Marshal(a.CurrentJobs)
	if err != nil {
		return fmt.Errorf("marshal current_jobs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO agents (id, name, capabilities, status, max_concurrent_jobs, current_jobs, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, a.ID, a.Name, capsJSON, string(a.Status), a.MaxConcurrentJobs, jobsJSON, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// Get retrieves an Agent by id.
func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("agent store not initialized")
	}
	row := s.pool.QueryRow(ctx, selectAgentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// List returns all registered agents.
func (s *AgentStore) List(ctx context.Context) ([]agent.Agent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("agent store not initialized")
	}
	rows, err := s.pool.Query(ctx, selectAgentColumns+` FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// Available returns dispatch-eligible agents. The SQL filters on status
// (online or busy) only; spare capacity and, when target is non-empty, a
// capability with that target are checked in Go. Platform, version and
// device constraints are not considered here (agent.Capability.Matches is
// not called).
func (s *AgentStore) Available(ctx context.Context, target job.Target) ([]agent.Agent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("agent store not initialized")
	}
	rows, err := s.pool.Query(ctx, selectAgentColumns+`
FROM agents WHERE status IN ('online', 'busy') ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("available agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if len(a.CurrentJobs) >= a.MaxConcurrentJobs {
			continue
		}
		if target != "" {
			matched := false
			for _, c := range a.Capabilities {
				if c.Target == target {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies a partial update atomically.
func (s *AgentStore) UpdateAgent(ctx context.Context, id string, delta agent.Delta) (*agent.Agent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("agent store not initialized")
	}

	set := []string{"updated_at = $1"}
	args := []any{time.Now()}
	argN := 2

	if delta.Status != nil {
		set = append(set, fmt.Sprintf("status = $%d", argN))
		args = append(args, string(*delta.Status))
		argN++
	}
	if delta.LastHeartbeat != nil {
		set = append(set, fmt.Sprintf("last_heartbeat = $%d", argN))
		args = append(args, *delta.LastHeartbeat)
		argN++
	}
	if delta.CurrentJobs != nil {
		jobsJSON, err := json.Marshal(*delta.CurrentJobs)
		if err != nil {
			return nil, fmt.Errorf("marshal current_jobs: %w", err)
		}
		set = append(set, fmt.Sprintf("current_jobs = $%d", argN))
		args = append(args, jobsJSON)
		argN++
	}
	if delta.MaxConcurrentJobs != nil {
		set = append(set, fmt.Sprintf("max_concurrent_jobs = $%d", argN))
		args = append(args, *delta.MaxConcurrentJobs)
		argN++
	}

	query := fmt.Sprintf(`UPDATE agents SET %s WHERE id = $%d`, joinSet(set), argN)
	args = append(args, id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, agent.ErrNotFound
	}
	return s.Get(ctx, id)
}

var _ agent.Store = (*AgentStore)(nil)

const selectAgentColumns = `SELECT id, name, capabilities, status, last_heartbeat,
       max_concurrent_jobs, current_jobs, created_at, updated_at`

func scanAgent(row rowScanner) (*agent.Agent, error) {
	var a agent.Agent
	var status string
	var lastHeartbeat *time.Time
	var capsJSON, jobsJSON []byte

	if err := row.Scan(&a.ID, &a.Name, &capsJSON, &status, &lastHeartbeat,
		&a.MaxConcurrentJobs, &jobsJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = agent.Status(status)
	if lastHeartbeat != nil {
		a.LastHeartbeat = *lastHeartbeat
	}
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	if len(jobsJSON) > 0 {
		if err := json.Unmarshal(jobsJSON, &a.CurrentJobs); err != nil {
			return nil, fmt.Errorf("unmarshal current_jobs: %w", err)
		}
	}
	return &a, nil
}
