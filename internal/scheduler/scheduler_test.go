package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/engine"
	"github.com/jkaninda/kimbia/internal/history"
)

type fakeExecutor struct {
	mu    sync.Mutex
	invs  []*engine.Invocation
	code  int
	err   error
	write string
}

func (f *fakeExecutor) Execute(ctx context.Context, inv *engine.Invocation) (int, error) {
	f.mu.Lock()
	f.invs = append(f.invs, inv)
	f.mu.Unlock()
	if f.write != "" && inv.CaptureStdout != nil {
		_, _ = inv.CaptureStdout.Write([]byte(f.write))
	}
	return f.code, f.err
}

type recordingStore struct {
	mu   sync.Mutex
	runs []*history.Run
}

func (r *recordingStore) Record(_ context.Context, run *history.Run) error {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
	return nil
}
func (r *recordingStore) Get(context.Context, uuid.UUID) (*history.Run, error) {
	return nil, history.ErrNotFound
}
func (r *recordingStore) List(context.Context, history.Filter) ([]*history.Run, error) {
	return nil, nil
}
func (r *recordingStore) Migrate(context.Context) error { return nil }
func (r *recordingStore) Ping(context.Context) error    { return nil }
func (r *recordingStore) Close() error                  { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RunJobRecordsHistory(t *testing.T) {
	exec := &fakeExecutor{code: 0, write: "done\n"}
	store := &recordingStore{}
	s := New(exec, store, nil, testLogger(), &config.SchedulerConfig{}, config.EngineConfig{})

	job := config.CronJob{
		Name:     "nightly",
		Schedule: "0 3 * * *",
		Command:  []string{"sh", "-c", "echo done"},
	}
	s.runJob(context.Background(), job)

	if len(store.runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(store.runs))
	}
	run := store.runs[0]
	if run.Source != history.SourceScheduler {
		t.Errorf("source = %q, want scheduler", run.Source)
	}
	if run.JobName != "nightly" {
		t.Errorf("job name = %q, want nightly", run.JobName)
	}
	if run.Status != history.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", run.Status)
	}
	if run.Stdout != "done\n" {
		t.Errorf("stdout = %q, want %q", run.Stdout, "done\n")
	}
	if run.CorrelationID == "" {
		t.Error("run has no correlation ID")
	}
}

func TestScheduler_RunJobTimeoutOutcome(t *testing.T) {
	exec := &fakeExecutor{code: -1, err: &engine.TimeoutError{Limit: time.Second}}
	store := &recordingStore{}
	s := New(exec, store, nil, testLogger(), &config.SchedulerConfig{}, config.EngineConfig{})

	s.runJob(context.Background(), config.CronJob{
		Name: "slow", Schedule: "* * * * *", Command: []string{"sleep", "60"},
	})

	if len(store.runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(store.runs))
	}
	if store.runs[0].Status != history.StatusTimeout {
		t.Errorf("status = %q, want timeout", store.runs[0].Status)
	}
	if store.runs[0].ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", store.runs[0].ExitCode)
	}
}

func TestScheduler_JobTimeoutDefaults(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec, nil, nil, testLogger(), &config.SchedulerConfig{},
		config.EngineConfig{DefaultTimeoutSeconds: 30})

	s.runJob(context.Background(), config.CronJob{
		Name: "job", Schedule: "* * * * *", Command: []string{"true"},
	})
	if got := exec.invs[0].Timeout; got != 30*time.Second {
		t.Errorf("timeout = %v, want engine default 30s", got)
	}

	s.runJob(context.Background(), config.CronJob{
		Name: "job2", Schedule: "* * * * *", Command: []string{"true"}, TimeoutSeconds: 5,
	})
	if got := exec.invs[1].Timeout; got != 5*time.Second {
		t.Errorf("timeout = %v, job override should win", got)
	}
}

func TestScheduler_MetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	exec := &fakeExecutor{code: 2}
	s := New(exec, nil, metrics, testLogger(), &config.SchedulerConfig{}, config.EngineConfig{})

	s.runJob(context.Background(), config.CronJob{
		Name: "failing", Schedule: "* * * * *", Command: []string{"false"},
	})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	if !names["kimbia_scheduler_jobs_fired_total"] {
		t.Error("jobs_fired_total not recorded")
	}
	if !names["kimbia_scheduler_jobs_failed_total"] {
		t.Error("jobs_failed_total not recorded")
	}
}

func TestScheduler_StartAndStop(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := &config.SchedulerConfig{
		Enabled: true,
		Jobs: []config.CronJob{
			{Name: "hourly", Schedule: "0 * * * *", Command: []string{"true"}},
		},
	}
	s := New(exec, nil, nil, testLogger(), cfg, config.EngineConfig{})

	stop, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	stop()
}

func TestScheduler_DisabledJobNotRegistered(t *testing.T) {
	disabled := false
	cfg := &config.SchedulerConfig{
		Jobs: []config.CronJob{
			{Name: "on", Schedule: "0 * * * *", Command: []string{"true"}},
			{Name: "off", Schedule: "0 * * * *", Command: []string{"true"}, Enabled: &disabled},
		},
	}
	s := New(&fakeExecutor{}, nil, nil, testLogger(), cfg, config.EngineConfig{})

	next := s.NextRuns()
	if _, ok := next["on"]; !ok {
		t.Error("enabled job missing from NextRuns")
	}
	if _, ok := next["off"]; ok {
		t.Error("disabled job present in NextRuns")
	}
}
