// Package server implements the HTTP API for submitting commands and
// inspecting run history.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - Optional command prefix allow-list enforced before spawn
//   - All runs logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/engine"
	"github.com/jkaninda/kimbia/internal/history"
	"github.com/jkaninda/kimbia/internal/observability"
	"github.com/jkaninda/kimbia/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// defaultListLimit bounds GET /v1/runs when the client sets no limit.
const defaultListLimit = 50

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API server.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIToken       string // Bearer token for /v1 routes. Empty = auth disabled.
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the HTTP API server. It executes commands through an
// engine.Executor and records outcomes to the run history.
type Server struct {
	config    Config
	exec      engine.Executor
	store     history.Store // nil = history endpoints disabled.
	limiter   *ratelimit.Limiter
	engineCfg config.EngineConfig
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the run stream endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// New creates an HTTP API server. The store and limiter may be nil.
func New(
	cfg Config,
	exec engine.Executor,
	store history.Store,
	limiter *ratelimit.Limiter,
	engineCfg config.EngineConfig,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:    cfg,
		exec:      exec,
		store:     store,
		limiter:   limiter,
		engineCfg: engineCfg,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (s *Server) WithHandler(pattern string, handler http.Handler) *Server {
	s.extraRoutes = append(s.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return s
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (s *Server) WithOpenAPIDocs() *Server {
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kimbia",
			Version: "v0.0.1",
		},
	)
	return s
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	// Authenticated /v1 group, instrumented with request metrics and spans.
	metricsMW := observability.MetricsMiddleware(s.config.Metrics, s.config.Tracer)
	s.group = s.okapi.Group("/v1", metricsMW, s.authenticate)

	s.group.Post("/run", s.handleRun,
		okapi.DocSummary("Execute a command and wait for it to finish"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	if s.store != nil {
		s.group.Get("/runs", s.handleRunList,
			okapi.DocSummary("List recorded runs"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]RunSummary{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		s.group.Get("/runs/{id}", s.handleRunGet,
			okapi.DocSummary("Get a recorded run by ID"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Streaming endpoint does its own token check during the upgrade. It and
	// the extra routes are plain http handlers, so they get the std wrapper.
	stream := observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, http.HandlerFunc(s.handleStream))
	s.okapi.HandleStd("GET", "/v1/run/stream", stream.ServeHTTP)

	for _, er := range s.extraRoutes {
		h := observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, er.handler)
		s.okapi.HandleStd("GET", er.pattern, h.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.WithOpenAPIDocs()
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api server starting", slog.String("addr", s.config.ListenAddr))

	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api server stopping")
	return s.okapi.Shutdown(s.server, ctx)
}

// --- Handlers ---

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Command                []string          `json:"command"`
	Env                    map[string]string `json:"env,omitempty"`
	Dir                    string            `json:"dir,omitempty"`
	Stdin                  string            `json:"stdin,omitempty"`
	TimeoutSeconds         int               `json:"timeout_seconds,omitempty"`
	NoOutputTimeoutSeconds int               `json:"no_output_timeout_seconds,omitempty"`
}

// RunResponse is the JSON response for a finished run.
type RunResponse struct {
	ID            string   `json:"id,omitempty"` // Empty when history is disabled.
	CorrelationID string   `json:"correlation_id"`
	Status        string   `json:"status"`
	ExitCode      int      `json:"exit_code"`
	Command       []string `json:"command"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	Error         string   `json:"error,omitempty"`
	StartedAt     string   `json:"started_at"`
	FinishedAt    string   `json:"finished_at"`
	DurationMs    int64    `json:"duration_ms"`
}

// RunSummary is a single entry in the run list. Output bodies are omitted.
type RunSummary struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	JobName    string   `json:"job_name,omitempty"`
	Command    []string `json:"command"`
	Status     string   `json:"status"`
	ExitCode   int      `json:"exit_code"`
	StartedAt  string   `json:"started_at"`
	DurationMs int64    `json:"duration_ms"`
}

func (s *Server) handleRun(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if s.limiter != nil {
		if err := s.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if reason := s.validateRequest(&req); reason != "" {
		if strings.HasPrefix(reason, "command not allowed") {
			return c.JSON(http.StatusForbidden, okapi.M{"error": reason})
		}
		return c.AbortBadRequest(reason)
	}

	correlationID := newCorrelationID()
	s.logger.Info("http run",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.Any("command", req.Command),
	)

	resp, run := s.execute(c.Context(), &req, correlationID, nil, nil)

	if s.store != nil {
		if err := s.store.Record(c.Context(), run); err != nil {
			s.logger.Error("recording run failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.ID = run.ID.String()
		}
	}

	// A run that could not be started or supervised is the server's
	// failure to execute, not the command exiting non-zero.
	if resp.Status == string(history.StatusError) {
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	return c.OK(resp)
}

// execute builds an invocation from the request, runs it, and classifies
// the outcome. The returned run is ready to be recorded. Relay writers
// are optional; the streaming endpoint passes its WebSocket adapters.
func (s *Server) execute(ctx context.Context, req *RunRequest, correlationID string, relayOut, relayErr io.Writer) (*RunResponse, *history.Run) {
	limit := s.engineCfg.CaptureLimit()
	stdout := engine.NewCappedBuffer(limit)
	stderr := engine.NewCappedBuffer(limit)

	inv := engine.NewInvocation(req.Command...).
		WithEnv(req.Env).
		WithCapture(stdout, stderr).
		WithRelay(relayOut, relayErr).
		WithTimeout(s.requestTimeout(req)).
		WithNoOutputTimeout(s.requestNoOutputTimeout(req))
	if req.Dir != "" {
		inv.WithDir(req.Dir)
	}
	if req.Stdin != "" {
		inv.WithStdin([]byte(req.Stdin))
	}

	started := time.Now().UTC()
	code, execErr := s.exec.Execute(ctx, inv)
	finished := time.Now().UTC()

	status, errMsg := history.Classify(code, execErr)

	run := &history.Run{
		CorrelationID: correlationID,
		Source:        history.SourceAPI,
		Command:       req.Command,
		Dir:           inv.Dir,
		Status:        status,
		ExitCode:      code,
		Error:         errMsg,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		StartedAt:     started,
		FinishedAt:    finished,
	}

	resp := &RunResponse{
		CorrelationID: correlationID,
		Status:        string(status),
		ExitCode:      code,
		Command:       req.Command,
		Stdout:        run.Stdout,
		Stderr:        run.Stderr,
		Error:         errMsg,
		StartedAt:     started.Format(time.RFC3339Nano),
		FinishedAt:    finished.Format(time.RFC3339Nano),
		DurationMs:    finished.Sub(started).Milliseconds(),
	}
	return resp, run
}

// validateRequest checks a run request against the engine limits.
// Returns an empty string when the request is acceptable.
func (s *Server) validateRequest(req *RunRequest) string {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return "command is required"
	}
	if !commandAllowed(req.Command[0], s.engineCfg.AllowedCommandPrefixes) {
		return "command not allowed: " + req.Command[0]
	}
	if req.TimeoutSeconds < 0 || req.NoOutputTimeoutSeconds < 0 {
		return "timeouts must not be negative"
	}
	if max := s.engineCfg.MaxTimeoutSeconds; max > 0 && req.TimeoutSeconds > max {
		return "timeout_seconds exceeds the server maximum of " + strconv.Itoa(max)
	}
	return ""
}

func (s *Server) requestTimeout(req *RunRequest) time.Duration {
	if req.TimeoutSeconds > 0 {
		return time.Duration(req.TimeoutSeconds) * time.Second
	}
	return s.engineCfg.DefaultTimeout()
}

func (s *Server) requestNoOutputTimeout(req *RunRequest) time.Duration {
	if req.NoOutputTimeoutSeconds > 0 {
		return time.Duration(req.NoOutputTimeoutSeconds) * time.Second
	}
	return s.engineCfg.DefaultNoOutputTimeout()
}

// commandAllowed reports whether the executable passes the prefix
// allow-list. An empty list allows everything.
func commandAllowed(executable string, prefixes []string) bool {
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

func (s *Server) handleRunList(c *okapi.Context) error {
	q := c.Request().URL.Query()

	filter := history.Filter{
		Source:  history.Source(q.Get("source")),
		Status:  history.Status(q.Get("status")),
		JobName: q.Get("job"),
		Limit:   defaultListLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		filter.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.AbortBadRequest("since must be an RFC 3339 timestamp")
		}
		filter.Since = since
	}

	runs, err := s.store.List(c.Context(), filter)
	if err != nil {
		s.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}

	resp := make([]RunSummary, len(runs))
	for i, r := range runs {
		resp[i] = RunSummary{
			ID:         r.ID.String(),
			Source:     string(r.Source),
			JobName:    r.JobName,
			Command:    r.Command,
			Status:     string(r.Status),
			ExitCode:   r.ExitCode,
			StartedAt:  r.StartedAt.Format(time.RFC3339Nano),
			DurationMs: r.Duration().Milliseconds(),
		}
	}
	return c.OK(resp)
}

func (s *Server) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	run, err := s.store.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		s.logger.Error("fetching run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("fetching run failed")
	}

	return c.OK(RunResponse{
		ID:            run.ID.String(),
		CorrelationID: run.CorrelationID,
		Status:        string(run.Status),
		ExitCode:      run.ExitCode,
		Command:       run.Command,
		Stdout:        run.Stdout,
		Stderr:        run.Stderr,
		Error:         run.Error,
		StartedAt:     run.StartedAt.Format(time.RFC3339Nano),
		FinishedAt:    run.FinishedAt.Format(time.RFC3339Nano),
		DurationMs:    run.Duration().Milliseconds(),
	})
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token when one is configured and tags
// the request with a client ID for rate limiting.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if s.config.APIToken != "" {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIToken)) != 1 {
				return c.AbortUnauthorized("invalid API token")
			}
		}
		c.Set("clientID", clientAddr(c.Request()))
		return next(c)
	}
}

// clientAddr extracts the client host for rate limiting, falling back to
// the raw remote address when it has no port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
