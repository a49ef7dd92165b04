package domain

import "errors"

// Domain errors represent business logic failures.
// These are distinct from infrastructure errors.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedType indicates an unknown source or adapter type.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrDuplicateSource indicates a URL is already registered as a source.
	ErrDuplicateSource = errors.New("source already registered")

	// ErrSyncInProgress indicates a download is already running for a source.
	// Concurrent resume calls on the same source are rejected with this
	// error rather than silently racing on the cursor.
	ErrSyncInProgress = errors.New("download already in progress")

	// Fetch errors. These classify adapter failures for the retry policy.

	// ErrUnreachable indicates a transient network failure (DNS, connect,
	// timeout). Retried with exponential backoff.
	ErrUnreachable = errors.New("source unreachable")

	// ErrRateLimited indicates source-side throttling (429/503).
	// Retried after consulting the rate limiter's back-off.
	ErrRateLimited = errors.New("rate limited by source")

	// ErrMalformed indicates the payload could not be parsed.
	// Permanent; never retried automatically.
	ErrMalformed = errors.New("malformed payload")

	// ErrAuthRequired indicates credentials are missing or invalid.
	// Permanent; requires operator intervention.
	ErrAuthRequired = errors.New("authentication required")

	// ErrIntegrityMismatch is a data-quality finding, not a system failure.
	// Mismatches are reported for an external correction step; the core
	// never auto-corrects them.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// IsTransient reports whether an error should be retried locally.
// Only network unreachability and source-side throttling qualify.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrRateLimited)
}
