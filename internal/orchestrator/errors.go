package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Enqueue when the ready queue depth has
	// crossed the configured high-water mark; callers back off.
	ErrQueueFull = errors.New("orchestrator: queue full")

	// ErrNotCancellable is returned by Cancel for jobs already terminal.
	ErrNotCancellable = errors.New("orchestrator: job is not cancellable")

	// ErrNotRetryable is returned by Retry for jobs not in FAILED.
	ErrNotRetryable = errors.New("orchestrator: only failed jobs may be retried")
)

// codeJobTimeout marks a job failed because its deadline elapsed.
const codeJobTimeout = "JOB_TIMEOUT"

// ValidationError reports a missing or invalid Enqueue field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("VALIDATION_ERROR: %s %s", e.Field, e.Reason)
}
