package engine

import (
	"fmt"
	"time"
)

// ExecError reports that the child process could not be started, fed its
// stdin payload, or reaped. It wraps the underlying OS error.
type ExecError struct {
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("executing command: %v", e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// TimeoutError reports that the child exceeded the absolute wall-clock
// budget and was killed. The child is guaranteed reaped before this is
// returned.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Limit)
}

// NoOutputError reports that neither stream produced a byte for longer than
// the configured budget while the child was still running. Same kill/reap
// guarantee as TimeoutError.
type NoOutputError struct {
	Limit time.Duration
}

func (e *NoOutputError) Error() string {
	return fmt.Sprintf("command produced no output for %s", e.Limit)
}
