// Package scheduler runs recurring commands from config-defined cron jobs.
// Jobs execute through the same engine as every other entry point and their
// outcomes are recorded to the run history, so a scheduled run is
// indistinguishable from a manual one apart from its source.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/engine"
	"github.com/jkaninda/kimbia/internal/history"
)

// Scheduler registers config-defined cron jobs and fires them on schedule.
// It runs as a background component in serve mode.
type Scheduler struct {
	exec      engine.Executor
	store     history.Store // nil = runs are not recorded
	metrics   *Metrics
	logger    *slog.Logger
	config    *config.SchedulerConfig
	engineCfg config.EngineConfig

	cron   *cron.Cron
	parser cron.Parser
}

// New creates a Scheduler. The store and metrics may be nil.
func New(
	exec engine.Executor,
	store history.Store,
	metrics *Metrics,
	logger *slog.Logger,
	cfg *config.SchedulerConfig,
	engineCfg config.EngineConfig,
) *Scheduler {
	return &Scheduler{
		exec:      exec,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		engineCfg: engineCfg,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start registers the enabled jobs and begins the cron loop. Returns a
// cancel function that stops the loop and waits for in-flight jobs.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	s.cron = cron.New(cron.WithParser(s.parser))

	registered := 0
	for i := range s.config.Jobs {
		job := s.config.Jobs[i]
		if !job.IsEnabled() {
			continue
		}
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.runJob(ctx, job) }); err != nil {
			cancel()
			return nil, err
		}
		registered++
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "cron scheduler started",
		slog.Int("jobs", registered),
	)

	go func() {
		<-ctx.Done()
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.logger.Info("cron scheduler stopped")
	}()

	return cancel, nil
}

// NextRuns returns each enabled job's next fire time, for diagnostics.
func (s *Scheduler) NextRuns() map[string]time.Time {
	next := make(map[string]time.Time, len(s.config.Jobs))
	for _, job := range s.config.Jobs {
		if !job.IsEnabled() {
			continue
		}
		sched, err := s.parser.Parse(job.Schedule)
		if err != nil {
			continue
		}
		next[job.Name] = sched.Next(time.Now().UTC())
	}
	return next
}

// runJob executes a single job through the engine and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job config.CronJob) {
	correlationID := newCorrelationID()

	s.logger.InfoContext(ctx, "firing cron job",
		slog.String("name", job.Name),
		slog.Any("command", job.Command),
		slog.String("correlation_id", correlationID),
	)

	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	limit := s.engineCfg.CaptureLimit()
	stdout := engine.NewCappedBuffer(limit)
	stderr := engine.NewCappedBuffer(limit)

	inv := engine.NewInvocation(job.Command...).
		WithEnv(job.Env).
		WithCapture(stdout, stderr).
		WithTimeout(s.jobTimeout(job)).
		WithNoOutputTimeout(s.jobNoOutputTimeout(job))
	if job.Dir != "" {
		inv = inv.WithDir(job.Dir)
	}

	started := time.Now().UTC()
	code, err := s.exec.Execute(ctx, inv)
	finished := time.Now().UTC()

	status, msg := history.Classify(code, err)

	if s.metrics != nil {
		s.metrics.RunDuration.WithLabelValues(job.Name).Observe(finished.Sub(started).Seconds())
		if status == history.StatusSucceeded {
			s.metrics.JobsSucceeded.Inc()
		} else {
			s.metrics.JobsFailed.WithLabelValues(string(status)).Inc()
		}
	}

	if status == history.StatusSucceeded {
		s.logger.InfoContext(ctx, "cron job completed",
			slog.String("name", job.Name),
			slog.Int("exit_code", code),
			slog.String("correlation_id", correlationID),
		)
	} else {
		s.logger.ErrorContext(ctx, "cron job failed",
			slog.String("name", job.Name),
			slog.String("status", string(status)),
			slog.Int("exit_code", code),
			slog.String("error", msg),
			slog.String("correlation_id", correlationID),
		)
	}

	if s.store != nil {
		run := &history.Run{
			CorrelationID: correlationID,
			Source:        history.SourceScheduler,
			JobName:       job.Name,
			Command:       job.Command,
			Dir:           inv.Dir,
			Status:        status,
			ExitCode:      code,
			Error:         msg,
			Stdout:        stdout.String(),
			Stderr:        stderr.String(),
			StartedAt:     started,
			FinishedAt:    finished,
		}
		if recordErr := s.store.Record(ctx, run); recordErr != nil {
			s.logger.ErrorContext(ctx, "failed to record cron run",
				slog.String("name", job.Name),
				slog.String("error", recordErr.Error()),
			)
		}
	}
}

func (s *Scheduler) jobTimeout(job config.CronJob) time.Duration {
	if job.TimeoutSeconds > 0 {
		return time.Duration(job.TimeoutSeconds) * time.Second
	}
	return s.engineCfg.DefaultTimeout()
}

func (s *Scheduler) jobNoOutputTimeout(job config.CronJob) time.Duration {
	if job.NoOutputSeconds > 0 {
		return time.Duration(job.NoOutputSeconds) * time.Second
	}
	return s.engineCfg.DefaultNoOutputTimeout()
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
