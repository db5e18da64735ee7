package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests rely on sh, skipping on windows")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{}, logger)
}

func TestEngine_BasicExecution(t *testing.T) {
	eng := newTestEngine(t)
	var stdout bytes.Buffer

	inv := NewInvocation("echo", "hello").WithCapture(&stdout, nil)
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestEngine_NonZeroExit(t *testing.T) {
	eng := newTestEngine(t)

	inv := NewInvocation("sh", "-c", "exit 42")
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 42 {
		t.Errorf("exit code = %d, want 42", code)
	}
}

func TestEngine_SignalKilledExitCode(t *testing.T) {
	eng := newTestEngine(t)

	inv := NewInvocation("sh", "-c", "kill -9 $$")
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1 for signal-killed child", code)
	}
}

func TestEngine_SpawnFailure(t *testing.T) {
	eng := newTestEngine(t)

	inv := NewInvocation("/nonexistent/binary/kimbia-test")
	code, err := eng.Execute(context.Background(), inv)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *ExecError", err)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestEngine_EmptyCommand(t *testing.T) {
	eng := newTestEngine(t)

	inv := NewInvocation()
	_, err := eng.Execute(context.Background(), inv)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *ExecError", err)
	}
}

func TestEngine_StderrCapture(t *testing.T) {
	eng := newTestEngine(t)
	var stdout, stderr bytes.Buffer

	inv := NewInvocation("sh", "-c", "echo out; echo err >&2").
		WithCapture(&stdout, &stderr)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "out" {
		t.Errorf("stdout = %q, want %q", got, "out")
	}
	if got := strings.TrimSpace(stderr.String()); got != "err" {
		t.Errorf("stderr = %q, want %q", got, "err")
	}
}

func TestEngine_CaptureAndRelayIdentical(t *testing.T) {
	eng := newTestEngine(t)
	var capture, relay bytes.Buffer

	inv := NewInvocation("sh", "-c", "seq 1 200").
		WithCapture(&capture, nil).
		WithRelay(&relay, nil)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capture.Len() == 0 {
		t.Fatal("captured no output")
	}
	if !bytes.Equal(capture.Bytes(), relay.Bytes()) {
		t.Error("capture and relay destinations received different bytes")
	}
}

func TestEngine_StdinPayload(t *testing.T) {
	eng := newTestEngine(t)
	var stdout bytes.Buffer

	inv := NewInvocation("cat").
		WithStdin([]byte("stdin payload\n")).
		WithCapture(&stdout, nil)
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got := stdout.String(); got != "stdin payload\n" {
		t.Errorf("stdout = %q, want %q", got, "stdin payload\n")
	}
}

func TestEngine_WorkingDirectory(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("resolving temp dir: %v", err)
	}

	var stdout bytes.Buffer
	inv := NewInvocation("pwd").WithDir(dir).WithCapture(&stdout, nil)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, gotErr := filepath.EvalSymlinks(strings.TrimSpace(stdout.String()))
	if gotErr != nil {
		t.Fatalf("resolving pwd output: %v", gotErr)
	}
	if got != resolved {
		t.Errorf("pwd = %q, want %q", got, resolved)
	}
}

func TestEngine_EnvMerge(t *testing.T) {
	t.Setenv("KIMBIA_TEST_INHERITED", "base")
	eng := newTestEngine(t)
	var stdout bytes.Buffer

	inv := NewInvocation("sh", "-c", "echo $KIMBIA_TEST_INHERITED:$KIMBIA_TEST_EXTRA").
		WithEnv(map[string]string{"KIMBIA_TEST_EXTRA": "extra"}).
		WithCapture(&stdout, nil)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "base:extra" {
		t.Errorf("env output = %q, want %q", got, "base:extra")
	}
}

func TestEngine_EnvReplace(t *testing.T) {
	t.Setenv("KIMBIA_TEST_INHERITED", "base")
	if runtime.GOOS == "windows" {
		t.Skip("tests rely on sh, skipping on windows")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(Config{EnvPolicy: EnvReplace}, logger)

	var stdout bytes.Buffer
	inv := NewInvocation("/bin/sh", "-c", "echo ${KIMBIA_TEST_INHERITED:-unset}:$KIMBIA_TEST_EXTRA").
		WithEnv(map[string]string{"KIMBIA_TEST_EXTRA": "extra"}).
		WithCapture(&stdout, nil)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "unset:extra" {
		t.Errorf("env output = %q, want %q", got, "unset:extra")
	}
}

func TestEngine_EnvOverrideWins(t *testing.T) {
	t.Setenv("KIMBIA_TEST_SHADOWED", "original")
	eng := newTestEngine(t)
	var stdout bytes.Buffer

	inv := NewInvocation("sh", "-c", "echo $KIMBIA_TEST_SHADOWED").
		WithEnv(map[string]string{"KIMBIA_TEST_SHADOWED": "override"}).
		WithCapture(&stdout, nil)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "override" {
		t.Errorf("env output = %q, want %q", got, "override")
	}
}

func TestEngine_Timeout(t *testing.T) {
	eng := newTestEngine(t)

	start := time.Now()
	inv := NewInvocation("sleep", "10").WithTimeout(200 * time.Millisecond)
	code, err := eng.Execute(context.Background(), inv)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if timeoutErr.Limit != 200*time.Millisecond {
		t.Errorf("limit = %v, want 200ms", timeoutErr.Limit)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
	if elapsed > 5*time.Second {
		t.Errorf("took %v, timeout did not fire promptly", elapsed)
	}
}

func TestEngine_TimeoutNotReachedOnFastExit(t *testing.T) {
	eng := newTestEngine(t)

	inv := NewInvocation("echo", "quick").WithTimeout(5 * time.Second)
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestEngine_NoOutputTimeout(t *testing.T) {
	eng := newTestEngine(t)

	inv := NewInvocation("sleep", "10").WithNoOutputTimeout(200 * time.Millisecond)
	code, err := eng.Execute(context.Background(), inv)

	var noOutErr *NoOutputError
	if !errors.As(err, &noOutErr) {
		t.Fatalf("error = %v, want *NoOutputError", err)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestEngine_NoOutputTimeoutResetByActivity(t *testing.T) {
	eng := newTestEngine(t)
	var stdout bytes.Buffer

	// Emits every 100ms for ~0.5s; the 300ms idle limit must never fire
	// because each write resets the activity clock.
	inv := NewInvocation("sh", "-c", "for i in 1 2 3 4 5; do echo tick; sleep 0.1; done").
		WithNoOutputTimeout(300*time.Millisecond).
		WithCapture(&stdout, nil)
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got := strings.Count(stdout.String(), "tick"); got != 5 {
		t.Errorf("tick count = %d, want 5", got)
	}
}

func TestEngine_StderrResetsActivityClock(t *testing.T) {
	eng := newTestEngine(t)

	inv := NewInvocation("sh", "-c", "for i in 1 2 3 4 5; do echo tick >&2; sleep 0.1; done").
		WithNoOutputTimeout(300 * time.Millisecond)
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestEngine_ContextCancellation(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	inv := NewInvocation("sleep", "10")
	code, err := eng.Execute(ctx, inv)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *ExecError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want wrapped context.DeadlineExceeded", err)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestEngine_OutputBeforeTimeoutDelivered(t *testing.T) {
	eng := newTestEngine(t)
	var stdout bytes.Buffer

	inv := NewInvocation("sh", "-c", "echo before; sleep 10").
		WithTimeout(300*time.Millisecond).
		WithCapture(&stdout, nil)
	_, err := eng.Execute(context.Background(), inv)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "before" {
		t.Errorf("stdout = %q, want output emitted before the timeout", got)
	}
}

func TestEngine_DestinationsNotClosed(t *testing.T) {
	eng := newTestEngine(t)
	dest := &closableBuffer{}

	inv := NewInvocation("echo", "hello").WithCapture(dest, nil)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dest.closed {
		t.Error("engine closed a destination it does not own")
	}
}

func TestEngine_LargeOutput(t *testing.T) {
	eng := newTestEngine(t)
	var stdout bytes.Buffer

	// ~1 MiB, well past a single chunk.
	inv := NewInvocation("sh", "-c", "head -c 1048576 /dev/zero").
		WithCapture(&stdout, nil)
	code, err := eng.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if stdout.Len() != 1048576 {
		t.Errorf("captured %d bytes, want 1048576", stdout.Len())
	}
}

func TestEngine_DefaultDirIsCwd(t *testing.T) {
	eng := newTestEngine(t)
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	var stdout bytes.Buffer
	inv := NewInvocation("pwd").WithCapture(&stdout, nil)
	if _, err := eng.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != cwd {
		t.Errorf("pwd = %q, want %q", got, cwd)
	}
}

func TestNew_Defaults(t *testing.T) {
	eng := New(Config{}, nil)
	if eng.cfg.PollInterval != DefaultPollInterval {
		t.Errorf("poll interval = %v, want %v", eng.cfg.PollInterval, DefaultPollInterval)
	}
	if eng.cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("chunk size = %d, want %d", eng.cfg.ChunkSize, DefaultChunkSize)
	}
	if eng.cfg.EnvPolicy != EnvMerge {
		t.Errorf("env policy = %q, want %q", eng.cfg.EnvPolicy, EnvMerge)
	}
	if eng.cfg.RelayFailure != RelayDetach {
		t.Errorf("relay failure policy = %q, want %q", eng.cfg.RelayFailure, RelayDetach)
	}
}

type closableBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closableBuffer) Close() error {
	b.closed = true
	return nil
}
