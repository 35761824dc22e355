package delayconsumer

import "errors"

// requeueError marks a failure that should go back to the ready queue
// (nack with requeue) instead of being parked.
type requeueError struct{ cause error }

func (e *requeueError) Error() string { return e.cause.Error() }

func (e *requeueError) Unwrap() error { return e.cause }

// Retryable marks err for redelivery. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &requeueError{cause: err}
}

// IsRetryable reports whether err, or anything it wraps, was marked by Retryable.
func IsRetryable(err error) bool {
	var target *requeueError
	return errors.As(err, &target)
}
