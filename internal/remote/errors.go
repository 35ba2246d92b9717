package remote

import "errors"

// Error kinds surfaced by the transport. The page driver and webhook applier
// branch on these; everything else is treated as fatal for the current page.
var (
	// ErrRateLimited indicates the provider rejected the call with a 429.
	// Retried inside RetryClient; callers only see it past the retry budget.
	ErrRateLimited = errors.New("remote: rate limited")

	// ErrNotFound indicates the requested object does not exist remotely
	ErrNotFound = errors.New("remote: not found")

	// ErrPermission indicates the credential lacks access to the endpoint.
	// The parallel backfill can downgrade this class to a skip.
	ErrPermission = errors.New("remote: permission denied")

	// ErrAuth indicates an invalid credential or signature
	ErrAuth = errors.New("remote: authentication failed")

	// ErrInvalidRequest indicates the provider rejected the call as
	// malformed, e.g. a starting_after anchor that no longer exists
	ErrInvalidRequest = errors.New("remote: invalid request")
)

// transientError wraps network and 5xx failures that are worth retrying
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "remote: transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable at the transport boundary
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is retryable (network, 5xx, rate limit)
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te) || errors.Is(err, ErrRateLimited)
}
