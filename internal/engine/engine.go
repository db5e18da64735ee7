// Package engine executes child processes with concurrent output relay and
// dual timeout enforcement. It is the execution core everything else in
// Kimbia is built on.
//
// For each invocation the engine spawns the child with piped stdout/stderr,
// writes the optional stdin payload, starts one output pump per stream, and
// then supervises the child with a short poll loop. The poll loop checks for
// natural exit before either timeout, so a child that exits in the same tick
// it would have timed out is reported as a normal exit.
//
// Guarantees:
//   - Exactly one outcome per invocation: exit code, ExecError,
//     TimeoutError, or NoOutputError.
//   - On either timeout the child is killed and reaped before the call
//     returns — no zombies, no orphaned supervisor state.
//   - Both pumps are joined before the call returns, so no destination
//     write is in flight once Execute has returned.
//   - Destinations are externally owned and never closed by the engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is how often the supervisor checks for exit and
	// evaluates timeouts.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultChunkSize is the pump read size.
	DefaultChunkSize = 8 * 1024
)

// EnvPolicy controls how Invocation.Env interacts with the inherited
// environment.
type EnvPolicy string

const (
	// EnvMerge applies overrides on top of the full inherited environment.
	// The default.
	EnvMerge EnvPolicy = "merge"

	// EnvReplace discards the inherited environment entirely; the child
	// sees only the override set.
	EnvReplace EnvPolicy = "replace"
)

// Executor runs invocations. Implemented by Engine and by the
// observability wrapper.
type Executor interface {
	Execute(ctx context.Context, inv *Invocation) (int, error)
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	PollInterval time.Duration
	ChunkSize    int
	EnvPolicy    EnvPolicy
	RelayFailure RelayFailurePolicy
}

// Engine is the process supervisor. Safe for concurrent use; each Execute
// call owns its child exclusively.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine, filling in defaults for unset config fields.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.EnvPolicy == "" {
		cfg.EnvPolicy = EnvMerge
	}
	if cfg.RelayFailure == "" {
		cfg.RelayFailure = RelayDetach
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Execute runs the invocation to completion and returns the child's exit
// code. The code is -1 when the child was killed by a signal or the exit
// status is otherwise unavailable. Context cancellation kills the child and
// surfaces as an ExecError wrapping ctx.Err().
func (e *Engine) Execute(ctx context.Context, inv *Invocation) (int, error) {
	if len(inv.Args) == 0 {
		return -1, &ExecError{Err: errors.New("empty command line")}
	}

	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = e.buildEnv(inv.Env)

	// stdout/stderr are always piped so the engine can observe output for
	// the activity clock regardless of destination configuration.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return -1, &ExecError{Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return -1, &ExecError{Err: fmt.Errorf("creating stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var stdinR, stdinW *os.File
	if inv.Stdin != nil {
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			return -1, &ExecError{Err: fmt.Errorf("creating stdin pipe: %w", err)}
		}
		cmd.Stdin = stdinR
	} else {
		cmd.Stdin = os.Stdin
	}

	e.logger.InfoContext(ctx, "executing command",
		slog.Any("command", inv.Args),
		slog.String("dir", inv.Dir),
		slog.Duration("timeout", inv.Timeout),
		slog.Duration("no_output_timeout", inv.NoOutputTimeout),
	)

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW, stdinR, stdinW)
		return -1, &ExecError{Err: fmt.Errorf("starting %s: %w", inv.Args[0], err)}
	}
	start := time.Now()

	// The child holds its own copies of the pipe ends now. Closing ours is
	// what lets the pumps see EOF when the child exits.
	stdoutW.Close()
	stderrW.Close()
	if stdinR != nil {
		stdinR.Close()
	}

	// Write the stdin payload in full, then close the write end so the
	// child observes end-of-input. This happens before the pumps start,
	// matching the supervisor's setup phase.
	if stdinW != nil {
		if _, werr := stdinW.Write(inv.Stdin); werr != nil {
			stdinW.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			stdoutR.Close()
			stderrR.Close()
			return -1, &ExecError{Err: fmt.Errorf("writing stdin payload: %w", werr)}
		}
		stdinW.Close()
	}

	clock := newActivityClock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		p := pump{
			stream:  stdoutR,
			capture: inv.CaptureStdout,
			relay:   inv.RelayStdout,
			clock:   clock,
			chunk:   e.cfg.ChunkSize,
			policy:  e.cfg.RelayFailure,
		}
		p.run()
	}()
	go func() {
		defer pumps.Done()
		p := pump{
			stream:  stderrR,
			capture: inv.CaptureStderr,
			relay:   inv.RelayStderr,
			clock:   clock,
			chunk:   e.cfg.ChunkSize,
			policy:  e.cfg.RelayFailure,
		}
		p.run()
	}()

	// Reap in the background so the poll loop can check for exit without
	// blocking. The channel is buffered: the result must never be lost.
	waitC := make(chan error, 1)
	go func() { waitC <- cmd.Wait() }()

	// The pumps terminate on EOF once the child's pipe ends close, on both
	// the natural-exit and kill paths. Joining them before returning means
	// no destination write can outlive this call.
	defer func() {
		pumps.Wait()
		stdoutR.Close()
		stderrR.Close()
	}()

	for {
		// Exit check first: a child that exits in the same tick it would
		// have timed out is a normal exit, not a timeout.
		select {
		case werr := <-waitC:
			return e.finish(ctx, cmd, werr, start)
		default:
		}

		select {
		case <-ctx.Done():
			e.kill(cmd, waitC)
			return -1, &ExecError{Err: ctx.Err()}
		default:
		}

		if inv.Timeout > 0 && time.Since(start) > inv.Timeout {
			e.kill(cmd, waitC)
			e.logger.WarnContext(ctx, "command timed out",
				slog.Duration("timeout", inv.Timeout),
				slog.Duration("elapsed", time.Since(start)),
			)
			return -1, &TimeoutError{Limit: inv.Timeout}
		}

		if inv.NoOutputTimeout > 0 && clock.SinceLast() > inv.NoOutputTimeout {
			e.kill(cmd, waitC)
			e.logger.WarnContext(ctx, "command produced no output",
				slog.Duration("no_output_timeout", inv.NoOutputTimeout),
				slog.Duration("elapsed", time.Since(start)),
			)
			return -1, &NoOutputError{Limit: inv.NoOutputTimeout}
		}

		time.Sleep(e.cfg.PollInterval)
	}
}

// finish interprets the Wait result after a natural exit.
func (e *Engine) finish(ctx context.Context, cmd *exec.Cmd, werr error, start time.Time) (int, error) {
	if werr != nil {
		var exitErr *exec.ExitError
		if !errors.As(werr, &exitErr) {
			return -1, &ExecError{Err: fmt.Errorf("waiting for process: %w", werr)}
		}
	}

	// ExitCode is -1 when the child was killed by a signal, which is
	// exactly the sentinel the caller expects.
	code := cmd.ProcessState.ExitCode()
	e.logger.InfoContext(ctx, "command completed",
		slog.Int("exit_code", code),
		slog.Duration("duration", time.Since(start)),
	)
	return code, nil
}

// kill terminates the child and reaps it before the caller makes any
// further decision. Kill errors are irrelevant once the wait has returned.
func (e *Engine) kill(cmd *exec.Cmd, waitC <-chan error) {
	_ = cmd.Process.Kill()
	<-waitC
}

// buildEnv assembles the child environment per the configured policy.
// Under EnvMerge, overrides are appended after the inherited variables;
// the last entry for a name wins at exec time.
func (e *Engine) buildEnv(overrides map[string]string) []string {
	var env []string
	if e.cfg.EnvPolicy == EnvReplace {
		env = make([]string, 0, len(overrides))
	} else {
		env = os.Environ()
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// compile-time interface check
var _ Executor = (*Engine)(nil)
