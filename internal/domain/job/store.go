package job

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations. Callers should use
// errors.Is against these rather than comparing strings; the HTTP layer
// maps them to status codes in error_mapper.go.
var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job: not found")
	// ErrAlreadyTerminal is returned by Cancel when the job has already
	// reached a terminal status.
	ErrAlreadyTerminal = errors.New("job: already terminal")
	// ErrIllegalTransition is returned when a requested status transition
	// is not a legal edge in the job lifecycle graph.
	ErrIllegalTransition = errors.New("job: illegal status transition")
	// ErrConflict is returned when a CAS-guarded update loses a race against
	// a concurrent terminal write.
	ErrConflict = errors.New("job: conflicting update")
)

// ListFilter narrows List to a subset of jobs. Zero values mean "no filter".
type ListFilter struct {
	OrgID  string
	Status Status
	Limit  int
	Offset int
}

// ListResult is the paginated response to List.
type ListResult struct {
	Jobs    []Job
	Total   int
	HasMore bool
}

// Store is the authoritative persistence port for Jobs.
// All operations are single-statement atomic against the backing store;
// there is no multi-row transaction requirement. Implementations must
// reject transitions out of a terminal status (ErrIllegalTransition) and
// guard concurrent writers with a CAS predicate on status.
type Store interface {
	// EnsureSchema creates or migrates the jobs table and its indices.
	EnsureSchema(ctx context.Context) error

	// Create persists a new job with status=pending, retry_count=0.
	Create(ctx context.Context, j *Job) error

	// Get retrieves a job by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs ordered by (priority DESC, created_at ASC), stable,
	// honoring the filter's org/status/limit/offset.
	List(ctx context.Context, filter ListFilter) (ListResult, error)

	// JobsByAppVersionTarget returns pending/queued jobs for the given
	// (app_version_id, target) pair, in scheduling order. Used by the
	// Scheduler to discover groupable work and by anything reconstructing
	// Group membership (which is implicit, see domain/group).
	JobsByAppVersionTarget(ctx context.Context, appVersionID string, target Target) ([]Job, error)

	// ListByStatus returns up to `limit` jobs with the given status, ordered
	// by (priority DESC, created_at ASC). Used by the retry monitor to find
	// failed jobs and by the Scheduler to find pending jobs.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error)

	// UpdateJob applies a partial update atomically, setting updated_at to
	// the store's notion of now. Implementations enforce CanTransition when
	// Delta.Status is set and must refuse (ErrIllegalTransition) any edge
	// not present in the lifecycle graph; a CAS race against a terminal
	// write yields ErrConflict. Returns ErrNotFound if id is absent.
	UpdateJob(ctx context.Context, id string, delta Delta) (*Job, error)

	// Delete removes a job record. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error
}
