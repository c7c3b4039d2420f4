// Package group defines the Group coalescing unit: an active grouping of
// non-terminal Jobs sharing (org_id, app_version_id, target), and the unit
// of dispatch handed to a single Agent.
package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"testforge/internal/domain/job"
)

// Status represents the lifecycle state of a Group.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// IsActive reports whether the group is still eligible for dispatch/updates.
// A fresh key coined after a Group completes creates a new Group rather than
// reviving this one.
func (s Status) IsActive() bool {
	return s != StatusCompleted
}

// Group is a coalescing unit for jobs sharing a coalescing key.
type Group struct {
	ID string `json:"id"`

	OrgID        string     `json:"org_id"`
	AppVersionID string     `json:"app_version_id"`
	Target       job.Target `json:"target"`

	Status        Status `json:"status"`
	AssignedAgent string `json:"assigned_agent,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Key mirrors job.Key: the coalescing tuple this Group was coined for.
type Key struct {
	OrgID        string
	AppVersionID string
	Target       job.Target
}

func (g Group) Key() Key {
	return Key{OrgID: g.OrgID, AppVersionID: g.AppVersionID, Target: g.Target}
}

// BrokerKey is the TTL key under which the active Group's id is registered
// in the queue broker. The Scheduler claims it with set-if-absent before
// coining a Group; the lifecycle monitor deletes it when the Group
// completes so a later job with the same key coins a fresh Group.
func (k Key) BrokerKey() string {
	return fmt.Sprintf("group:%s:%s:%s", k.OrgID, k.AppVersionID, k.Target)
}

// Descriptor is the lightweight payload the Scheduler enqueues into the
// broker's groups:scheduling priority queue; it is everything the
// Dispatcher needs without re-reading the Group from the Store on every
// queue inspection.
type Descriptor struct {
	GroupID       string     `json:"group_id"`
	AppVersionID  string     `json:"app_version_id"`
	Target        job.Target `json:"target"`
	JobCount      int        `json:"job_count"`
	PriorityScore float64    `json:"priority_score"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Delta is a partial update applied atomically by the Store.
type Delta struct {
	Status        *Status
	AssignedAgent *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Sentinel errors, mirroring job.Store's conventions.
var (
	ErrNotFound = errors.New("group: not found")
	ErrConflict = errors.New("group: conflicting update")
)

// Store is the authoritative persistence port for Groups.
type Store interface {
	// EnsureSchema creates or migrates the job_groups table and its indices.
	EnsureSchema(ctx context.Context) error

	// Create persists a new Group with status=pending.
	Create(ctx context.Context, g *Group) error

	// Get retrieves a Group by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Group, error)

	// GetActiveByKey returns the single active (non-completed) Group for the
	// coalescing key, if any. At most one such Group may exist at a time;
	// returns ErrNotFound if none exists.
	GetActiveByKey(ctx context.Context, key Key) (*Group, error)

	// UpdateGroup applies a partial update atomically, setting updated_at.
	// Returns ErrNotFound if id is absent.
	UpdateGroup(ctx context.Context, id string, delta Delta) (*Group, error)
}
