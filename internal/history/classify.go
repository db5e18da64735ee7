package history

import (
	"errors"

	"github.com/jkaninda/kimbia/internal/engine"
)

// Classify maps an execution outcome to a run status and message. All
// entry points record runs through this so the taxonomy stays uniform.
func Classify(exitCode int, err error) (Status, string) {
	if err == nil {
		if exitCode == 0 {
			return StatusSucceeded, ""
		}
		return StatusFailed, ""
	}

	var timeoutErr *engine.TimeoutError
	if errors.As(err, &timeoutErr) {
		return StatusTimeout, timeoutErr.Error()
	}
	var noOutErr *engine.NoOutputError
	if errors.As(err, &noOutErr) {
		return StatusNoOutput, noOutErr.Error()
	}
	return StatusError, err.Error()
}
