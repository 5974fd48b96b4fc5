package fetch

import (
	"errors"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/poit"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/proxypool"
)

var (
	// ErrFetchFailed means the retry budget ran out. It wraps the last cause.
	ErrFetchFailed = errors.New("fetch: retry budget exhausted")
	// ErrParseFailed is poit.ErrParseFailed, re-exported for callers of
	// the engine.
	ErrParseFailed = poit.ErrParseFailed
	// ErrPoolExhausted surfaces only with OnExhausted "fail".
	ErrPoolExhausted = proxypool.ErrPoolExhausted
	// ErrChallenge means a challenge page could not be passed.
	ErrChallenge = errors.New("fetch: challenge not passed")
	// ErrBlocked means the source served its block page instead of content.
	ErrBlocked = errors.New("fetch: blocked by source")
)

// attemptError carries the failure kind reported for the endpoint.
type attemptError struct {
	kind proxypool.ErrorKind
	err  error
}

func (e *attemptError) Error() string { return string(e.kind) + ": " + e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }
