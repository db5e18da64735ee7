package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// streamFrame is a single WebSocket message on the run stream. Output
// frames carry live chunks as they arrive from the child; the final frame
// carries the full result.
type streamFrame struct {
	Type   string       `json:"type"`             // "output", "result", or "error"
	Stream string       `json:"stream,omitempty"` // "stdout" or "stderr" for output frames.
	Data   string       `json:"data,omitempty"`
	Error  string       `json:"error,omitempty"`
	Result *RunResponse `json:"result,omitempty"`
}

// handleStream upgrades the connection, reads a single RunRequest, and
// streams the child's output live until the run finishes. The final frame
// carries the same result POST /v1/run would have returned.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.config.APIToken != "" && !streamAuthorized(r, s.config.APIToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(clientAddr(r)); err != nil {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"kimbia-run-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "run complete")

	if s.config.Metrics != nil {
		s.config.Metrics.StreamsActive.Inc()
		defer s.config.Metrics.StreamsActive.Dec()
	}

	ctx := r.Context()

	req, err := s.readStreamRequest(ctx, conn)
	if err != nil {
		s.writeFrame(ctx, conn, &streamFrame{Type: "error", Error: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	correlationID := newCorrelationID()
	s.logger.Info("stream run",
		slog.String("correlation_id", correlationID),
		slog.Any("command", req.Command),
	)

	// Both relays share one mutex so frames never interleave on the wire.
	var writeMu sync.Mutex
	stdoutRelay := &frameWriter{server: s, ctx: ctx, conn: conn, mu: &writeMu, stream: "stdout"}
	stderrRelay := &frameWriter{server: s, ctx: ctx, conn: conn, mu: &writeMu, stream: "stderr"}

	resp, run := s.execute(ctx, req, correlationID, stdoutRelay, stderrRelay)

	if s.store != nil {
		if err := s.store.Record(ctx, run); err != nil {
			s.logger.Error("recording run failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.ID = run.ID.String()
		}
	}

	s.writeFrame(ctx, conn, &streamFrame{Type: "result", Result: resp})
}

// readStreamRequest waits for the client's RunRequest as the first message.
func (s *Server) readStreamRequest(ctx context.Context, conn *websocket.Conn) (*RunRequest, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(reqCtx)
	if err != nil {
		return nil, err
	}

	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errInvalidStreamRequest
	}
	if reason := s.validateRequest(&req); reason != "" {
		return nil, &streamRequestError{reason: reason}
	}
	return &req, nil
}

var errInvalidStreamRequest = &streamRequestError{reason: "invalid request body"}

type streamRequestError struct{ reason string }

func (e *streamRequestError) Error() string { return e.reason }

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame *streamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Warn("websocket write failed", slog.String("error", err.Error()))
	}
}

// frameWriter adapts the WebSocket connection into a relay destination.
// A write failure surfaces as an error so the engine's relay failure
// policy decides whether the run detaches from the stream or aborts.
type frameWriter struct {
	server *Server
	ctx    context.Context
	conn   *websocket.Conn
	mu     *sync.Mutex
	stream string
}

func (f *frameWriter) Write(p []byte) (int, error) {
	frame := streamFrame{Type: "output", Stream: f.stream, Data: string(p)}
	data, err := json.Marshal(frame)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.Write(f.ctx, websocket.MessageText, data); err != nil {
		return 0, err
	}
	return len(p), nil
}

// streamAuthorized checks the token from the query string or the
// Authorization header, the same places an agent CLI would put it.
func streamAuthorized(r *http.Request, want string) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}
