// Package remote talks to the task record store API. The store is the
// authority for ids, timestamps, and conflict outcomes; this package only
// transports and classifies.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/opsync/internal/task"
)

// Store is the record store contract consumed by the mutation engine.
// Implemented by *Client and by test fakes.
type Store interface {
	// List fetches the full collection for the current owner, ordered by
	// creation time descending.
	List(ctx context.Context) ([]task.Task, error)

	// Create returns the authoritative task including the server-assigned
	// id and timestamps.
	Create(ctx context.Context, input task.CreateInput) (task.Task, error)

	// Update applies a partial update and returns the authoritative task.
	Update(ctx context.Context, id string, fields task.Fields) (task.Task, error)

	// FetchOne reads a single task. Used when a toggle targets an id the
	// local cache does not hold.
	FetchOne(ctx context.Context, id string) (task.Task, error)

	// SetCompleted writes an absolute completion value. A retried call is
	// a no-op rather than a double flip.
	SetCompleted(ctx context.Context, id string, completed bool) (task.Task, error)

	// Delete removes a task.
	Delete(ctx context.Context, id string) error
}

// APIError is the uniform error shape for record store failures.
type APIError struct {
	Message    string
	StatusCode int
	Cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("record store: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("record store: %s", e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// ErrorClass categorizes record store failures for recovery decisions.
type ErrorClass string

const (
	// ClassTransport covers unreachable network and failed requests.
	// Recovered by rollback plus an offline-queue entry.
	ClassTransport ErrorClass = "TRANSPORT"

	// ClassValidation covers input the server rejected (400/422).
	ClassValidation ErrorClass = "VALIDATION"

	// ClassConflict covers authoritative state disagreements, e.g. the
	// record was already deleted (404/409). Resolved by the settle refetch.
	ClassConflict ErrorClass = "CONFLICT"

	// ClassAuth covers session failures (401/403).
	ClassAuth ErrorClass = "AUTH"

	// ClassUnknown is the default for unrecognized errors.
	ClassUnknown ErrorClass = "UNKNOWN"
)

// Classify categorizes a record store error.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return ClassAuth
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 422:
			return ClassValidation
		case apiErr.StatusCode == 404 || apiErr.StatusCode == 409:
			return ClassConflict
		case apiErr.StatusCode >= 500:
			return ClassTransport
		case apiErr.StatusCode == 0:
			return ClassTransport
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "eof") {
		return ClassTransport
	}
	return ClassUnknown
}

// Retriable reports whether a failed mutation should be parked in the
// offline queue for a later replay pass.
func Retriable(err error) bool {
	return Classify(err) == ClassTransport
}
