package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status update is not allowed from the job's current status
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidPayload is returned when notification content is missing required fields
	ErrInvalidPayload = errors.New("invalid notification payload")

	// ErrPoisonMessage is returned when a queue message cannot be processed at all
	ErrPoisonMessage = errors.New("poison message")

	// ErrBusy signals broker backpressure; the caller should retry later
	ErrBusy = errors.New("broker busy")

	// ErrRetriesExhausted is returned when a delivery failed on its last allowed attempt
	ErrRetriesExhausted = errors.New("max retries exceeded")
)

// RetryableError wraps transient delivery errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// StoreError marks a job store infrastructure failure. It is retryable and
// never a statement about the job itself.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "job store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err as a StoreError for operation op.
func NewStoreError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err is (or wraps) a StoreError.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}
