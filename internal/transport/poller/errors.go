package poller

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPollTimeout matches *PollTimeoutError
	ErrPollTimeout = errors.New("poll budget exceeded")

	// ErrPollAborted matches *PollAbortedError
	ErrPollAborted = errors.New("poll aborted")
)

// PollTimeoutError is returned when the wall-clock budget runs out before
// the job reaches a terminal state
type PollTimeoutError struct {
	JobID   string
	Budget  time.Duration
	Rounds  int
	LastErr error
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("poll %s: budget %s exceeded after %d rounds", e.JobID, e.Budget, e.Rounds)
}

func (e *PollTimeoutError) Is(target error) bool { return target == ErrPollTimeout }

func (e *PollTimeoutError) Unwrap() error { return e.LastErr }

// PollAbortedError is returned when consecutive failures reach the ceiling
type PollAbortedError struct {
	JobID    string
	Failures int
	LastErr  error
}

func (e *PollAbortedError) Error() string {
	return fmt.Sprintf("poll %s: aborted after %d consecutive failures: %v", e.JobID, e.Failures, e.LastErr)
}

func (e *PollAbortedError) Is(target error) bool { return target == ErrPollAborted }

func (e *PollAbortedError) Unwrap() error { return e.LastErr }
