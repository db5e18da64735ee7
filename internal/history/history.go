// Package history defines the run record model and the persistence
// interface behind it. Every execution that goes through the CLI, the API
// server, the scheduler, or the MCP server can be recorded as a Run.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run ID does not exist.
var ErrNotFound = errors.New("run not found")

// Status classifies how a run ended.
type Status string

const (
	// StatusSucceeded means the child exited with code 0.
	StatusSucceeded Status = "succeeded"

	// StatusFailed means the child exited on its own with a non-zero code.
	StatusFailed Status = "failed"

	// StatusTimeout means the child was killed for exceeding its
	// wall-clock budget.
	StatusTimeout Status = "timeout"

	// StatusNoOutput means the child was killed for going silent longer
	// than its idle budget.
	StatusNoOutput Status = "no_output"

	// StatusError means the run never produced an exit status: spawn
	// failure, stdin write failure, cancellation.
	StatusError Status = "error"
)

// Source identifies which entry point started a run.
type Source string

const (
	SourceCLI       Source = "cli"
	SourceAPI       Source = "api"
	SourceScheduler Source = "scheduler"
	SourceMCP       Source = "mcp"
)

// Run is one recorded command execution.
type Run struct {
	ID            uuid.UUID
	CorrelationID string
	Source        Source
	JobName       string // Set for scheduler runs.
	Command       []string
	Dir           string
	Status        Status
	ExitCode      int // -1 when no exit status was available.
	Error         string
	Stdout        string // Captured output, possibly truncated.
	Stderr        string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Duration returns the run's wall-clock duration.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Filter narrows a List call. Zero values mean "no constraint".
type Filter struct {
	Source  Source
	Status  Status
	JobName string
	Since   time.Time
	Limit   int
}

// Store persists run records. Implemented by gormstore.
type Store interface {
	// Record inserts a finished run. A zero ID is assigned.
	Record(ctx context.Context, run *Run) error

	// Get returns one run by ID, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Run, error)

	// List returns runs matching the filter, most recent first.
	List(ctx context.Context, f Filter) ([]*Run, error)

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks the backend for readiness probes.
	Ping(ctx context.Context) error

	Close() error
}
