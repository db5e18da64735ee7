package observability

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kimbia/internal/engine"
	"github.com/jkaninda/kimbia/internal/history"
)

// InstrumentedExecutor wraps an engine.Executor with metrics, tracing, and
// anomaly detection. Each entry point creates its own wrapper with its
// source label ("cli", "api", "scheduler", "mcp").
type InstrumentedExecutor struct {
	inner   engine.Executor
	source  string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner engine.Executor, source string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		source:  source,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, inv *engine.Invocation) (int, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = startRunSpan(ctx, e.tracer, e.source, inv)
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()

		// Thread counting writers through the capture slots so stream
		// volume is observable even when output is otherwise discarded.
		// The caller's invocation is left untouched.
		counted := *inv
		counted.CaptureStdout = countWriter(inv.CaptureStdout, e.metrics.OutputBytesTotal.WithLabelValues("stdout"))
		counted.CaptureStderr = countWriter(inv.CaptureStderr, e.metrics.OutputBytesTotal.WithLabelValues("stderr"))
		inv = &counted
	}

	start := time.Now()
	code, err := e.inner.Execute(ctx, inv)
	duration := time.Since(start).Seconds()

	status, _ := history.Classify(code, err)
	if span != nil {
		endRunSpan(span, code, status, err)
	}

	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(e.source, string(status)).Inc()
		e.metrics.RunDuration.WithLabelValues(e.source).Observe(duration)
	}

	if e.anomaly != nil {
		if status == history.StatusSucceeded {
			e.anomaly.RecordSuccess(e.source)
		} else {
			e.anomaly.RecordFailure(e.source)
		}
	}

	return code, err
}

// countWriter wraps a capture destination with a byte counter. A nil inner
// writer still counts, so discarded streams show up in the metrics.
func countWriter(inner io.Writer, counter prometheus.Counter) io.Writer {
	return &countingWriter{inner: inner, counter: counter}
}

type countingWriter struct {
	inner   io.Writer
	counter prometheus.Counter
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.counter.Add(float64(len(b)))
	if w.inner == nil {
		return len(b), nil
	}
	return w.inner.Write(b)
}

// Flush propagates to the inner destination when it is buffered.
func (w *countingWriter) Flush() error {
	if f, ok := w.inner.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// compile-time interface check
var _ engine.Executor = (*InstrumentedExecutor)(nil)
