package server

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jkaninda/kimbia/internal/config"
)

func newTestServer(engineCfg config.EngineConfig) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{ListenAddr: ":0"}, nil, nil, nil, engineCfg, logger)
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name      string
		engineCfg config.EngineConfig
		req       RunRequest
		wantOK    bool
	}{
		{
			name:   "valid",
			req:    RunRequest{Command: []string{"echo", "hello"}},
			wantOK: true,
		},
		{
			name: "empty command",
			req:  RunRequest{},
		},
		{
			name: "blank executable",
			req:  RunRequest{Command: []string{""}},
		},
		{
			name: "negative timeout",
			req:  RunRequest{Command: []string{"echo"}, TimeoutSeconds: -1},
		},
		{
			name:      "timeout over cap",
			engineCfg: config.EngineConfig{MaxTimeoutSeconds: 60},
			req:       RunRequest{Command: []string{"sleep", "1"}, TimeoutSeconds: 120},
		},
		{
			name:      "timeout within cap",
			engineCfg: config.EngineConfig{MaxTimeoutSeconds: 60},
			req:       RunRequest{Command: []string{"sleep", "1"}, TimeoutSeconds: 30},
			wantOK:    true,
		},
		{
			name:      "command outside allow-list",
			engineCfg: config.EngineConfig{AllowedCommandPrefixes: []string{"/usr/bin/"}},
			req:       RunRequest{Command: []string{"rm", "-rf", "/"}},
		},
		{
			name:      "command inside allow-list",
			engineCfg: config.EngineConfig{AllowedCommandPrefixes: []string{"/usr/bin/"}},
			req:       RunRequest{Command: []string{"/usr/bin/env"}},
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.engineCfg)
			reason := s.validateRequest(&tt.req)
			if tt.wantOK && reason != "" {
				t.Errorf("validateRequest = %q, want accepted", reason)
			}
			if !tt.wantOK && reason == "" {
				t.Error("validateRequest accepted an invalid request")
			}
		})
	}
}

func TestCommandAllowed(t *testing.T) {
	if !commandAllowed("anything", nil) {
		t.Error("empty allow-list should allow any command")
	}
	prefixes := []string{"/usr/bin/", "git"}
	if !commandAllowed("git", prefixes) {
		t.Error("exact prefix match rejected")
	}
	if !commandAllowed("/usr/bin/curl", prefixes) {
		t.Error("prefixed path rejected")
	}
	if commandAllowed("/bin/sh", prefixes) {
		t.Error("unlisted command allowed")
	}
	if commandAllowed("curl", []string{""}) {
		t.Error("blank prefix should not match everything")
	}
}

func TestRequestTimeouts_Defaults(t *testing.T) {
	s := newTestServer(config.EngineConfig{
		DefaultTimeoutSeconds:  30,
		NoOutputTimeoutSeconds: 10,
	})

	req := &RunRequest{Command: []string{"echo"}}
	if got := s.requestTimeout(req); got != 30*time.Second {
		t.Errorf("default timeout = %s, want 30s", got)
	}
	if got := s.requestNoOutputTimeout(req); got != 10*time.Second {
		t.Errorf("default no-output timeout = %s, want 10s", got)
	}

	req.TimeoutSeconds = 5
	req.NoOutputTimeoutSeconds = 2
	if got := s.requestTimeout(req); got != 5*time.Second {
		t.Errorf("explicit timeout = %s, want 5s", got)
	}
	if got := s.requestNoOutputTimeout(req); got != 2*time.Second {
		t.Errorf("explicit no-output timeout = %s, want 2s", got)
	}
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/run", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if got := clientAddr(r); got != "203.0.113.9" {
		t.Errorf("clientAddr = %q, want host without port", got)
	}

	r.RemoteAddr = "203.0.113.9"
	if got := clientAddr(r); got != "203.0.113.9" {
		t.Errorf("clientAddr fallback = %q", got)
	}
}

func TestStreamAuthorized(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/run/stream?token=secret", nil)
	if !streamAuthorized(r, "secret") {
		t.Error("query token rejected")
	}

	r = httptest.NewRequest("GET", "/v1/run/stream", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if !streamAuthorized(r, "secret") {
		t.Error("bearer token rejected")
	}

	r = httptest.NewRequest("GET", "/v1/run/stream", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if streamAuthorized(r, "secret") {
		t.Error("wrong token accepted")
	}

	// A prefix of the real token must not pass.
	r = httptest.NewRequest("GET", "/v1/run/stream?token=secre", nil)
	if streamAuthorized(r, "secret") {
		t.Error("token prefix accepted")
	}
}

func TestNewCorrelationID(t *testing.T) {
	a, b := newCorrelationID(), newCorrelationID()
	if len(a) != 16 {
		t.Errorf("correlation ID length = %d, want 16 hex chars", len(a))
	}
	if a == b {
		t.Error("correlation IDs should be unique")
	}
}
