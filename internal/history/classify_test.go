package history

import (
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/kimbia/internal/engine"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		err      error
		want     Status
	}{
		{"clean exit", 0, nil, StatusSucceeded},
		{"non-zero exit", 3, nil, StatusFailed},
		{"signal kill", -1, nil, StatusFailed},
		{"timeout", -1, &engine.TimeoutError{Limit: time.Second}, StatusTimeout},
		{"no output", -1, &engine.NoOutputError{Limit: time.Second}, StatusNoOutput},
		{"spawn failure", -1, &engine.ExecError{Err: errors.New("no such file")}, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(tt.exitCode, tt.err)
			if got != tt.want {
				t.Errorf("Classify(%d, %v) = %q, want %q", tt.exitCode, tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_MessageFromError(t *testing.T) {
	_, msg := Classify(-1, &engine.TimeoutError{Limit: 2 * time.Second})
	if msg == "" {
		t.Error("expected a non-empty message for a timeout outcome")
	}
}
