package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job does not exist or belongs to
	// a different tenant.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when an operation targets a job whose
	// status can no longer change.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrBrokerUnavailable is returned by job submission when no broker
	// is configured at all.
	ErrBrokerUnavailable = errors.New("message broker unavailable")

	// ErrJobAlreadyClaimed is returned when a delivery loses the claim
	// race, usually because the record is no longer QUEUED.
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in QUEUED status")

	// ErrInvalidTransition is returned by status updates the ledger state
	// machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoProcessor is returned when no processor is registered for a
	// delivered job's type.
	ErrNoProcessor = errors.New("no processor registered for job type")
)

// RetryableError wraps transient infrastructure failures that should send a
// delivery through the broker's retry/backoff path rather than record a job
// outcome.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError anywhere in its
// chain.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
