package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/engine"
	"github.com/jkaninda/kimbia/internal/history"
	"github.com/jkaninda/kimbia/internal/workspace"
)

// Exit codes for engine failures, following the timeout(1) convention.
const (
	ExitTimeout    = 124
	ExitNoOutput   = 125
	ExitSpawnError = 126
)

var (
	runConfigPath  string
	runEnv         []string
	runDir         string
	runStdin       string
	runStdinFile   string
	runCaptureOut  string
	runCaptureErr  string
	runTimeoutSec  int
	runNoOutputSec int
	runQuiet       bool
	runNoRecord    bool
	runVerbose     bool
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a command under supervision",
	Long: `Run a command with output capture, live relay, and timeout enforcement.
The child's stdout and stderr are relayed to this terminal as they arrive
and captured for the run history. The process is killed when it exceeds
the wall-clock timeout or stays silent past the no-output timeout.

Examples:
  kimbia run -- make test
  kimbia run --timeout 60 -- ./deploy.sh staging
  kimbia run --env CI=true --dir /srv/app -- npm ci
  kimbia run --stdin-file input.txt --capture-stdout out.log -- sort

Exit codes:
  n    the child's own exit code
  124  wall-clock timeout exceeded
  125  no-output timeout exceeded
  126  the command could not be started or supervised`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringArrayVarP(&runEnv, "env", "e", nil, "environment override as KEY=VALUE (repeatable)")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory (default: current directory)")
	runCmd.Flags().StringVar(&runStdin, "stdin", "", "string written to the child's stdin")
	runCmd.Flags().StringVar(&runStdinFile, "stdin-file", "", "file whose contents are written to the child's stdin")
	runCmd.Flags().StringVar(&runCaptureOut, "capture-stdout", "", "also write captured stdout to this file")
	runCmd.Flags().StringVar(&runCaptureErr, "capture-stderr", "", "also write captured stderr to this file")
	runCmd.Flags().IntVarP(&runTimeoutSec, "timeout", "t", 0, "wall-clock timeout in seconds (0 = config default)")
	runCmd.Flags().IntVar(&runNoOutputSec, "no-output-timeout", 0, "kill after this many seconds of silence (0 = config default)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "suppress live relay; only capture")
	runCmd.Flags().BoolVar(&runNoRecord, "no-record", false, "do not record this run in the history")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
}

func runRun(cmd *cobra.Command, args []string) error {
	status, code, execErr, err := runSupervised(cmd, args)
	if err != nil {
		return err
	}
	// Deferred cleanups have run by now; exiting is safe.
	exitRun(status, code, execErr)
	return nil
}

// runSupervised executes the command and returns its classified outcome.
// It owns all resource cleanup so the caller can exit the process.
func runSupervised(_ *cobra.Command, args []string) (history.Status, int, error, error) {
	logger := newLogger(runVerbose)

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return "", 0, nil, err
	}

	env, err := parseEnvFlags(runEnv)
	if err != nil {
		return "", 0, nil, err
	}

	stdin, err := resolveStdin()
	if err != nil {
		return "", 0, nil, err
	}

	sc, err := initShared(cfg, logger, "cli", !runNoRecord)
	if err != nil {
		return "", 0, nil, err
	}
	defer sc.Cleanup()

	// Capture always goes to bounded buffers for the history record, and
	// each stream is also teed to a file: an explicit --capture-* path, or
	// the run's directory under the workspace when the run is recorded.
	runID := uuid.New()
	ws := sc.Workspace
	if runNoRecord {
		ws = nil
	}
	outPath, errPath := capturePaths(ws, runID, runCaptureOut, runCaptureErr)

	limit := cfg.Engine.CaptureLimit()
	stdoutBuf := engine.NewCappedBuffer(limit)
	stderrBuf := engine.NewCappedBuffer(limit)

	captureOut, closeOut, err := teeCapture(stdoutBuf, outPath)
	if err != nil {
		return "", 0, nil, err
	}
	defer closeOut()
	captureErr, closeErr, err := teeCapture(stderrBuf, errPath)
	if err != nil {
		return "", 0, nil, err
	}
	defer closeErr()

	inv := engine.NewInvocation(args...).
		WithEnv(env).
		WithCapture(captureOut, captureErr).
		WithTimeout(flagTimeout(runTimeoutSec, cfg.Engine.DefaultTimeout())).
		WithNoOutputTimeout(flagTimeout(runNoOutputSec, cfg.Engine.DefaultNoOutputTimeout()))
	if !runQuiet {
		inv.WithRelay(os.Stdout, os.Stderr)
	}
	if runDir != "" {
		inv.WithDir(runDir)
	}
	if stdin != nil {
		inv.WithStdin(stdin)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now().UTC()
	code, execErr := sc.Executor.Execute(ctx, inv)
	finished := time.Now().UTC()

	status, errMsg := history.Classify(code, execErr)

	if sc.Store != nil {
		run := &history.Run{
			ID:         runID,
			Source:     history.SourceCLI,
			Command:    args,
			Dir:        inv.Dir,
			Status:     status,
			ExitCode:   code,
			Error:      errMsg,
			Stdout:     stdoutBuf.String(),
			Stderr:     stderrBuf.String(),
			StartedAt:  started,
			FinishedAt: finished,
		}
		if err := sc.Store.Record(ctx, run); err != nil {
			logger.Error("recording run failed", slog.String("error", err.Error()))
		}
	}

	return status, code, execErr, nil
}

// exitRun terminates the process with the child's exit code, or with a
// conventional code describing why the engine killed it.
func exitRun(status history.Status, code int, execErr error) {
	switch {
	case execErr == nil:
		if code < 0 {
			// Signal-killed without an engine failure; report plain failure.
			os.Exit(1)
		}
		os.Exit(code)
	case status == history.StatusTimeout:
		fmt.Fprintf(os.Stderr, "kimbia: %v\n", execErr)
		os.Exit(ExitTimeout)
	case status == history.StatusNoOutput:
		fmt.Fprintf(os.Stderr, "kimbia: %v\n", execErr)
		os.Exit(ExitNoOutput)
	default:
		fmt.Fprintf(os.Stderr, "kimbia: %v\n", execErr)
		os.Exit(ExitSpawnError)
	}
}

// parseEnvFlags converts repeated KEY=VALUE flags into a map.
func parseEnvFlags(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env entry %q: want KEY=VALUE", entry)
		}
		env[key] = value
	}
	return env, nil
}

// resolveStdin returns the stdin payload from --stdin or --stdin-file.
func resolveStdin() ([]byte, error) {
	if runStdin != "" && runStdinFile != "" {
		return nil, errors.New("--stdin and --stdin-file are mutually exclusive")
	}
	if runStdin != "" {
		return []byte(runStdin), nil
	}
	if runStdinFile != "" {
		data, err := os.ReadFile(runStdinFile)
		if err != nil {
			return nil, fmt.Errorf("reading stdin file: %w", err)
		}
		return data, nil
	}
	return nil, nil
}

// capturePaths picks the files each stream is persisted to. An explicit
// --capture-* flag wins; otherwise recorded runs keep their output under
// the workspace. ws is nil when the run is not recorded.
func capturePaths(ws *workspace.Workspace, runID uuid.UUID, outFlag, errFlag string) (string, string) {
	if ws == nil {
		return outFlag, errFlag
	}
	if outFlag == "" {
		outFlag = ws.RunCapturePath(runID.String(), "stdout")
	}
	if errFlag == "" {
		errFlag = ws.RunCapturePath(runID.String(), "stderr")
	}
	return outFlag, errFlag
}

// teeCapture wraps the buffer so the stream is also written to path when
// one is given. The returned closer flushes and closes the file.
func teeCapture(buf *engine.CappedBuffer, path string) (io.Writer, func(), error) {
	if path == "" {
		return buf, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating capture file: %w", err)
	}
	w := bufio.NewWriter(f)
	closer := func() {
		_ = w.Flush()
		_ = f.Close()
	}
	return io.MultiWriter(buf, w), closer, nil
}

func flagTimeout(seconds int, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
