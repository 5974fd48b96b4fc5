package kungorelser

import (
	"fmt"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/fetch"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/scheduler"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

var (
	// ErrAlreadyRunning is returned by RunNow while a run is active.
	ErrAlreadyRunning = scheduler.ErrAlreadyRunning
	// ErrNotRunning is returned by Stop when nothing runs.
	ErrNotRunning = scheduler.ErrNotRunning
	// ErrInvalidConfig is returned for an unknown schedule interval.
	ErrInvalidConfig = scheduler.ErrInvalidConfig

	// ErrFetchFailed means the retry budget of a page load ran out.
	ErrFetchFailed = fetch.ErrFetchFailed
	// ErrParseFailed means the gazette markup did not match the selectors.
	ErrParseFailed = fetch.ErrParseFailed
	// ErrPoolExhausted means no proxy was eligible under the "fail" policy.
	ErrPoolExhausted = fetch.ErrPoolExhausted

	// ErrNotFound is returned by single-record lookups.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidCursor is returned for a cursor that does not decode.
	ErrInvalidCursor = store.ErrInvalidCursor
)

// ValidationError is bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("kungorelser: invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
