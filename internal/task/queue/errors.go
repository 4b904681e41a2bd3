package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrShuttingDown rejects tasks still queued when Cleanup runs.
	ErrShuttingDown = errors.New("task queue shutting down")
	// ErrQueueUnavailable rejects submissions after Cleanup.
	ErrQueueUnavailable = errors.New("task queue unavailable")
	// ErrUnknownHealthState is returned by SetHealthState for values outside
	// the transport.Health* set.
	ErrUnknownHealthState = errors.New("unknown health state")
)

// PermanentError is the rejection of a task whose retries are exhausted.
// It unwraps to the error of the final attempt.
type PermanentError struct {
	Attempts int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("task failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable: the queue fails the task on the
// first attempt instead of re-inserting it.
//
//	return nil, queue.NoRetry(fmt.Errorf("member left the chat: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

func unwrapNoRetry(err error) error {
	var e noRetryError
	if errors.As(err, &e) {
		return e.err
	}
	return err
}
