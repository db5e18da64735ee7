// Package mcpserver exposes the execution engine as an MCP (Model Context
// Protocol) server over stdio, so AI agents can run commands through the
// same supervised pipeline as the CLI and HTTP API.
package mcpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/engine"
	"github.com/jkaninda/kimbia/internal/history"
)

// Server wraps an MCP stdio server around the execution engine.
type Server struct {
	exec      engine.Executor
	store     history.Store // nil = runs are not recorded and list_runs is absent.
	engineCfg config.EngineConfig
	logger    *slog.Logger
	mcp       *server.MCPServer
}

// New creates an MCP server exposing the run_command tool, plus list_runs
// when a history store is attached.
func New(exec engine.Executor, store history.Store, engineCfg config.EngineConfig, logger *slog.Logger) *Server {
	s := &Server{
		exec:      exec,
		store:     store,
		engineCfg: engineCfg,
		logger:    logger,
	}

	m := server.NewMCPServer("kimbia", "0.0.1",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	m.AddTool(runCommandTool(), s.handleRunCommand)
	if store != nil {
		m.AddTool(listRunsTool(), s.handleListRuns)
	}
	s.mcp = m
	return s
}

// ServeStdio blocks, serving MCP requests on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func runCommandTool() mcp.Tool {
	return mcp.NewTool("run_command",
		mcp.WithDescription("Execute a command and wait for it to finish. Returns the captured stdout, stderr, exit code, and outcome classification."),
		mcp.WithArray("command",
			mcp.Required(),
			mcp.Description("Command line. The first element is the executable, the rest are its arguments."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("env",
			mcp.Description("Environment variable overrides as a string-to-string object."),
		),
		mcp.WithString("dir",
			mcp.Description("Working directory. Defaults to the server's current directory."),
		),
		mcp.WithString("stdin",
			mcp.Description("Data written in full to the child's stdin before execution."),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Wall-clock budget in seconds. 0 uses the server default."),
		),
		mcp.WithNumber("no_output_timeout_seconds",
			mcp.Description("Maximum silence in seconds between output bytes. 0 uses the server default."),
		),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("list_runs",
		mcp.WithDescription("List recently recorded runs, newest first."),
		mcp.WithString("source",
			mcp.Description("Filter by entry point: cli, api, scheduler, or mcp."),
		),
		mcp.WithString("status",
			mcp.Description("Filter by outcome: succeeded, failed, timeout, no_output, or error."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum entries to return. Default 20."),
		),
	)
}

// runResult is the JSON payload returned by run_command.
type runResult struct {
	ID            string   `json:"id,omitempty"`
	CorrelationID string   `json:"correlation_id"`
	Status        string   `json:"status"`
	ExitCode      int      `json:"exit_code"`
	Command       []string `json:"command"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	Error         string   `json:"error,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
}

func (s *Server) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	command, err := stringSliceArg(args, "command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(command) == 0 || command[0] == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	if !prefixAllowed(command[0], s.engineCfg.AllowedCommandPrefixes) {
		return mcp.NewToolResultError("command not allowed: " + command[0]), nil
	}

	timeoutSec := intArg(args, "timeout_seconds")
	noOutputSec := intArg(args, "no_output_timeout_seconds")
	if timeoutSec < 0 || noOutputSec < 0 {
		return mcp.NewToolResultError("timeouts must not be negative"), nil
	}
	if max := s.engineCfg.MaxTimeoutSeconds; max > 0 && timeoutSec > max {
		return mcp.NewToolResultError(fmt.Sprintf("timeout_seconds exceeds the server maximum of %d", max)), nil
	}

	limit := s.engineCfg.CaptureLimit()
	stdout := engine.NewCappedBuffer(limit)
	stderr := engine.NewCappedBuffer(limit)

	inv := engine.NewInvocation(command...).
		WithEnv(stringMapArg(args, "env")).
		WithCapture(stdout, stderr).
		WithTimeout(s.timeout(timeoutSec)).
		WithNoOutputTimeout(s.noOutputTimeout(noOutputSec))
	if dir, _ := args["dir"].(string); dir != "" {
		inv.WithDir(dir)
	}
	if stdin, _ := args["stdin"].(string); stdin != "" {
		inv.WithStdin([]byte(stdin))
	}

	correlationID := newCorrelationID()
	s.logger.InfoContext(ctx, "mcp run",
		slog.String("correlation_id", correlationID),
		slog.Any("command", command),
	)

	started := time.Now().UTC()
	code, execErr := s.exec.Execute(ctx, inv)
	finished := time.Now().UTC()

	status, errMsg := history.Classify(code, execErr)

	result := runResult{
		CorrelationID: correlationID,
		Status:        string(status),
		ExitCode:      code,
		Command:       command,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		Error:         errMsg,
		DurationMs:    finished.Sub(started).Milliseconds(),
	}

	if s.store != nil {
		run := &history.Run{
			CorrelationID: correlationID,
			Source:        history.SourceMCP,
			Command:       command,
			Dir:           inv.Dir,
			Status:        status,
			ExitCode:      code,
			Error:         errMsg,
			Stdout:        result.Stdout,
			Stderr:        result.Stderr,
			StartedAt:     started,
			FinishedAt:    finished,
		}
		if err := s.store.Record(ctx, run); err != nil {
			s.logger.ErrorContext(ctx, "recording run failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		} else {
			result.ID = run.ID.String()
		}
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, err
	}
	if status == history.StatusError {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// runEntry is a single entry in the list_runs payload.
type runEntry struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	JobName    string   `json:"job_name,omitempty"`
	Command    []string `json:"command"`
	Status     string   `json:"status"`
	ExitCode   int      `json:"exit_code"`
	StartedAt  string   `json:"started_at"`
	DurationMs int64    `json:"duration_ms"`
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	filter := history.Filter{
		Source: history.Source(stringArg(args, "source")),
		Status: history.Status(stringArg(args, "status")),
		Limit:  20,
	}
	if n := intArg(args, "limit"); n > 0 {
		filter.Limit = n
	}

	runs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	entries := make([]runEntry, len(runs))
	for i, r := range runs {
		entries[i] = runEntry{
			ID:         r.ID.String(),
			Source:     string(r.Source),
			JobName:    r.JobName,
			Command:    r.Command,
			Status:     string(r.Status),
			ExitCode:   r.ExitCode,
			StartedAt:  r.StartedAt.Format(time.RFC3339),
			DurationMs: r.Duration().Milliseconds(),
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) timeout(requested int) time.Duration {
	if requested > 0 {
		return time.Duration(requested) * time.Second
	}
	return s.engineCfg.DefaultTimeout()
}

func (s *Server) noOutputTimeout(requested int) time.Duration {
	if requested > 0 {
		return time.Duration(requested) * time.Second
	}
	return s.engineCfg.DefaultNoOutputTimeout()
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func prefixAllowed(executable string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(executable, p) {
			return true
		}
	}
	return false
}

// --- argument helpers ---
//
// MCP arguments arrive as decoded JSON, so numbers are float64 and arrays
// are []any. These helpers normalize them without panicking on bad input.

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok {
		return nil, errors.New(key + " is required")
	}
	items, ok := raw.([]any)
	if !ok {
		// Already-typed slices appear in tests and direct calls.
		if typed, ok := raw.([]string); ok {
			return typed, nil
		}
		return nil, errors.New(key + " must be an array of strings")
	}
	out := make([]string, len(items))
	for i, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, errors.New(key + " must be an array of strings")
		}
		out[i] = str
	}
	return out, nil
}

func stringMapArg(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		if typed, ok := args[key].(map[string]string); ok {
			return typed
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}
