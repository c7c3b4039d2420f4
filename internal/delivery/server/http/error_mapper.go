package http

import (
	"errors"
	"net/http"

	"testforge/internal/domain/agent"
	"testforge/internal/domain/group"
	"testforge/internal/domain/job"
)

// ValidationError wraps a request-surface input that failed validation:
// malformed JSON, a missing required field, an out-of-range priority, an
// unknown target or status.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationError(msg string) error { return &ValidationError{Msg: msg} }

// mapDomainError translates a domain sentinel error into an HTTP status and
// user-facing message. Returns (0, "") for errors it does not recognize,
// leaving the caller's default in place.
func mapDomainError(err error) (status int, message string) {
	if err == nil {
		return 0, ""
	}

	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()

	case errors.Is(err, job.ErrNotFound), errors.Is(err, group.ErrNotFound), errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound, "not found"

	case errors.Is(err, job.ErrAlreadyTerminal):
		return http.StatusBadRequest, "job already in a terminal state"

	case errors.Is(err, job.ErrIllegalTransition):
		return http.StatusBadRequest, "illegal status transition"

	case errors.Is(err, job.ErrConflict), errors.Is(err, group.ErrConflict), errors.Is(err, agent.ErrConflict):
		return http.StatusConflict, "conflicting update"

	default:
		return 0, ""
	}
}

// writeMappedError writes a response using the domain error mapping if err
// is recognized, otherwise falls back to defaultStatus/defaultMsg (normally
// a 500, since unrecognized errors are store/broker or internal failures).
func writeMappedError(w http.ResponseWriter, err error, defaultStatus int, defaultMsg string) {
	if status, msg := mapDomainError(err); status != 0 {
		writeJSONError(w, status, msg)
		return
	}
	writeJSONError(w, defaultStatus, defaultMsg)
}
