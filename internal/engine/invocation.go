package engine

import (
	"io"
	"os"
	"time"
)

// Invocation describes a single command execution. Build one with
// NewInvocation and the With* methods, then hand it to an Executor.
// The engine treats it as immutable for the duration of the call.
type Invocation struct {
	// Args is the command line. Args[0] is the executable, the rest are
	// its arguments. Must be non-empty.
	Args []string

	// Env holds environment overrides. How they interact with the
	// inherited environment is controlled by the engine's EnvPolicy.
	Env map[string]string

	// Stdin, when non-nil, is written in full to the child's stdin, which
	// is then closed so the child observes end-of-input. When nil the
	// child inherits the caller's stdin.
	Stdin []byte

	// Dir is the working directory. NewInvocation captures the caller's
	// current directory eagerly, so it is never re-resolved at spawn time.
	Dir string

	// Capture destinations receive a durable copy of the stream.
	// Relay destinations receive a live copy (e.g. the host's own stdout).
	// All four are externally owned: the engine writes and flushes but
	// never closes them.
	CaptureStdout io.Writer
	CaptureStderr io.Writer
	RelayStdout   io.Writer
	RelayStderr   io.Writer

	// Timeout bounds total wall-clock runtime from spawn. Zero = none.
	Timeout time.Duration

	// NoOutputTimeout bounds the gap since the last byte observed on
	// either stream. Zero = none.
	NoOutputTimeout time.Duration
}

// NewInvocation creates an Invocation for the given command line.
// The working directory defaults to the caller's current directory,
// resolved now rather than at spawn time.
func NewInvocation(args ...string) *Invocation {
	dir, _ := os.Getwd()
	return &Invocation{
		Args: args,
		Dir:  dir,
	}
}

// WithEnv sets environment overrides.
func (inv *Invocation) WithEnv(env map[string]string) *Invocation {
	inv.Env = env
	return inv
}

// WithStdin sets the stdin payload.
func (inv *Invocation) WithStdin(data []byte) *Invocation {
	inv.Stdin = data
	return inv
}

// WithDir overrides the working directory.
func (inv *Invocation) WithDir(dir string) *Invocation {
	inv.Dir = dir
	return inv
}

// WithCapture sets the capture destinations. Either may be nil.
func (inv *Invocation) WithCapture(stdout, stderr io.Writer) *Invocation {
	inv.CaptureStdout = stdout
	inv.CaptureStderr = stderr
	return inv
}

// WithRelay sets the live relay destinations. Either may be nil.
func (inv *Invocation) WithRelay(stdout, stderr io.Writer) *Invocation {
	inv.RelayStdout = stdout
	inv.RelayStderr = stderr
	return inv
}

// WithTimeout sets the absolute wall-clock budget.
func (inv *Invocation) WithTimeout(d time.Duration) *Invocation {
	inv.Timeout = d
	return inv
}

// WithNoOutputTimeout sets the output-gap budget.
func (inv *Invocation) WithNoOutputTimeout(d time.Duration) *Invocation {
	inv.NoOutputTimeout = d
	return inv
}
