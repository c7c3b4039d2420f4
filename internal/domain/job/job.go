// Package job defines the unified job domain model and store port for the
// test-execution scheduling engine. It is the authoritative record of every
// submitted test run, independent of which channel (CLI, agent, dashboard)
// observes it.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state barring retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Target is the execution environment class requested for a Job.
type Target string

const (
	TargetEmulator Target = "emulator"
	TargetDevice   Target = "device"
	TargetCloud    Target = "cloud"
)

// IsValid reports whether t is a known target.
func (t Target) IsValid() bool {
	switch t {
	case TargetEmulator, TargetDevice, TargetCloud:
		return true
	default:
		return false
	}
}

// MaxRetries bounds how many times a failed job may be automatically retried.
const MaxRetries = 3

// allowedTransitions enumerates the legal status graph edges. Retry
// (failed -> pending) is gated by retry_count at the caller rather than
// being unconditionally legal.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusQueued: true, StatusCancelled: true},
	StatusQueued:  {StatusRunning: true, StatusCancelled: true, StatusFailed: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:  {StatusPending: true}, // retry only
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
// Terminal states (completed, cancelled) never transition further; failed
// may only move back to pending via the retry path.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusCompleted || from == StatusCancelled {
		return false
	}
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Result captures the outcome of a terminal job, success or failure.
type Result struct {
	Success     bool            `json:"success"`
	TestsRun    int             `json:"tests_run"`
	TestsPassed int             `json:"tests_passed"`
	TestsFailed int             `json:"tests_failed"`
	DurationMs  int64           `json:"duration_ms"`
	Artifacts   json.RawMessage `json:"artifacts,omitempty"`
	Logs        json.RawMessage `json:"logs,omitempty"`
}

// Job is a single test-execution request and its lifecycle state.
type Job struct {
	ID string `json:"id"`

	OrgID        string `json:"org_id"`
	AppVersionID string `json:"app_version_id"`
	TestPath     string `json:"test_path"`
	Target       Target `json:"target"`

	Priority int `json:"priority"` // 1..10, 10 = highest

	Status        Status  `json:"status"`
	RetryCount    int     `json:"retry_count"`
	AssignedAgent string  `json:"assigned_agent,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	Result        *Result `json:"result,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Key is the coalescing tuple that routes a Job into a Group.
type Key struct {
	OrgID        string
	AppVersionID string
	Target       Target
}

// Key projects the job's coalescing key.
func (j Job) Key() Key {
	return Key{OrgID: j.OrgID, AppVersionID: j.AppVersionID, Target: j.Target}
}

// Spec is client-supplied input validated and turned into a Job by Submit.
type Spec struct {
	OrgID        string         `json:"org_id"`
	AppVersionID string         `json:"app_version_id"`
	TestPath     string         `json:"test_path"`
	Target       Target         `json:"target"`
	Priority     int            `json:"priority"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the submission constraints: required fields present,
// priority in [1,10], target known, test_path non-empty.
func (s Spec) Validate() error {
	if s.OrgID == "" {
		return fmt.Errorf("org_id is required")
	}
	if s.AppVersionID == "" {
		return fmt.Errorf("app_version_id is required")
	}
	if s.TestPath == "" {
		return fmt.Errorf("test_path is required")
	}
	if !s.Target.IsValid() {
		return fmt.Errorf("target must be one of emulator, device, cloud, got %q", s.Target)
	}
	if s.Priority < 1 || s.Priority > 10 {
		return fmt.Errorf("priority must be in [1,10], got %d", s.Priority)
	}
	return nil
}

// Delta is a partial update applied atomically by the Store. Only non-nil
// fields are written; this lets callers express "unset" (write null) as
// distinct from "leave unchanged".
type Delta struct {
	Status        *Status
	RetryCount    *int
	AssignedAgent *string
	ErrorMessage  *NullableString
	Result        *Result
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// NullableString distinguishes "write empty/null" from "leave unchanged" for
// Delta.ErrorMessage, since the zero value of *string is ambiguous with "not
// supplied" once dereferenced.
type NullableString struct {
	Valid bool
	Value string
}

// Clear constructs a NullableString that writes NULL/"" to the column.
func Clear() *NullableString { return &NullableString{Valid: false} }

// Set constructs a NullableString carrying a concrete value.
func Set(v string) *NullableString { return &NullableString{Valid: true, Value: v} }

// Metrics is the derived timing view returned by the job metrics operation.
type Metrics struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms"`
	QueueTimeMs  int64      `json:"queue_time_ms"`
	RetryCount   int        `json:"retry_count"`
	Result       *Result    `json:"result,omitempty"`
}

// ComputeMetrics derives the Metrics view for a job as of `now`.
func ComputeMetrics(j Job, now time.Time) Metrics {
	m := Metrics{
		ID:          j.ID,
		Status:      j.Status,
		Priority:    j.Priority,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		RetryCount:  j.RetryCount,
		Result:      j.Result,
	}
	if j.StartedAt != nil && j.CompletedAt != nil {
		d := j.CompletedAt.Sub(*j.StartedAt).Milliseconds()
		m.DurationMs = &d
	}
	reference := now
	if j.StartedAt != nil {
		reference = *j.StartedAt
	}
	m.QueueTimeMs = reference.Sub(j.CreatedAt).Milliseconds()
	return m
}
