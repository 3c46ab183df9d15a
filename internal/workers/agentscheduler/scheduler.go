// Package agentscheduler drives the periodic agent pipeline off a cron
// schedule, skipping ticks while a run is still in flight.
package agentscheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/agent/orchestrator"
)

// Pipeline runs one agent execution.
type Pipeline interface {
	Execute(ctx context.Context, dryRun bool) (*orchestrator.Report, error)
}

// Config controls the scheduler cadence.
type Config struct {
	IntervalMinutes int           `json:"interval_minutes"`
	Timezone        string        `json:"timezone"`
	TickTimeout     time.Duration `json:"tick_timeout"`
}

// DefaultConfig returns the stock hourly cadence in the business timezone.
func DefaultConfig() *Config {
	return &Config{
		IntervalMinutes: 60,
		Timezone:        "Asia/Shanghai",
		TickTimeout:     10 * time.Minute,
	}
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running         bool      `json:"running"`
	IntervalMinutes int       `json:"interval_minutes"`
	LastRun         time.Time `json:"last_run,omitempty"`
	NextRun         time.Time `json:"next_run,omitempty"`
	TotalTicks      int64     `json:"total_ticks"`
	SkippedTicks    int64     `json:"skipped_ticks"`
	FailedTicks     int64     `json:"failed_ticks"`
}

// zapCronLogger wraps zap.Logger to implement cron's logger interface
type zapCronLogger struct {
	logger *zap.Logger
}

func (l *zapCronLogger) Printf(format string, args ...interface{}) {
	l.logger.Sugar().Infof(format, args...)
}

// schedulerMetrics contains observability metrics
type schedulerMetrics struct {
	TicksTotal   metric.Int64Counter
	TickDuration metric.Float64Histogram
	TickErrors   metric.Int64Counter
}

func initSchedulerMetrics(meter metric.Meter) (*schedulerMetrics, error) {
	ticks, err := meter.Int64Counter("agent_scheduler_ticks_total",
		metric.WithDescription("Scheduler ticks by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("agent_scheduler_tick_duration_seconds",
		metric.WithDescription("Tick duration in seconds"))
	if err != nil {
		return nil, err
	}
	tickErrors, err := meter.Int64Counter("agent_scheduler_tick_errors_total",
		metric.WithDescription("Ticks that ended in an error"))
	if err != nil {
		return nil, err
	}
	return &schedulerMetrics{TicksTotal: ticks, TickDuration: duration, TickErrors: tickErrors}, nil
}

// Scheduler owns the cron loop around the agent pipeline.
type Scheduler struct {
	cron     *cron.Cron
	pipeline Pipeline
	config   *Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *schedulerMetrics

	mu           sync.RWMutex
	running      bool
	entryID      cron.EntryID
	lastRun      time.Time
	totalTicks   int64
	skippedTicks int64
	failedTicks  int64
}

// NewScheduler creates the scheduler without starting it.
func NewScheduler(pipeline Pipeline, config *Config, logger *zap.Logger) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.IntervalMinutes <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %d", config.IntervalMinutes)
	}
	location, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", config.Timezone, err)
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = 10 * time.Minute
	}

	cronLogger := &zapCronLogger{logger: logger}
	c := cron.New(cron.WithLocation(location), cron.WithLogger(cron.VerbosePrintfLogger(cronLogger)))

	meter := otel.Meter("agent-scheduler")
	metrics, err := initSchedulerMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	s := &Scheduler{
		cron:     c,
		pipeline: pipeline,
		config:   config,
		logger:   logger,
		tracer:   otel.Tracer("agent-scheduler"),
		metrics:  metrics,
	}
	logger.Info("agent scheduler created",
		zap.Int("interval_minutes", config.IntervalMinutes),
		zap.String("timezone", config.Timezone))
	return s, nil
}

// Start begins ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	spec := fmt.Sprintf("@every %dm", s.config.IntervalMinutes)
	entryID, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.running = true

	s.logger.Info("agent scheduler started", zap.String("spec", spec))
	return nil
}

// Stop halts ticking and waits briefly for an in-flight tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}

	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info("agent scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("agent scheduler stop timed out")
	}

	s.cron.Remove(s.entryID)
	s.running = false
	return nil
}

// Restart applies a new interval by stopping and starting the loop.
func (s *Scheduler) Restart(intervalMinutes int) error {
	if intervalMinutes <= 0 {
		return fmt.Errorf("interval must be positive, got %d", intervalMinutes)
	}
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.config.IntervalMinutes = intervalMinutes
	s.mu.Unlock()
	return s.Start()
}

// TriggerManualRun executes the pipeline immediately, outside the schedule.
func (s *Scheduler) TriggerManualRun(ctx context.Context, dryRun bool) (*orchestrator.Report, error) {
	return s.pipeline.Execute(ctx, dryRun)
}

// tick runs one scheduled execution. Overlap protection lives in the run
// tracker: when the previous run is still live the pipeline reports itself
// skipped and the tick is counted as such.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TickTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(
		attribute.Int("interval_minutes", s.config.IntervalMinutes),
	))
	defer span.End()

	start := time.Now()
	report, err := s.pipeline.Execute(ctx, false)
	elapsed := time.Since(start)
	s.metrics.TickDuration.Record(ctx, elapsed.Seconds())

	s.mu.Lock()
	s.totalTicks++
	s.lastRun = start
	switch {
	case err != nil:
		s.failedTicks++
	case report.Skipped:
		s.skippedTicks++
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		span.RecordError(err)
		s.metrics.TicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		s.metrics.TickErrors.Add(ctx, 1)
		s.logger.Error("scheduled agent run failed",
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	case report.Skipped:
		s.metrics.TicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "skipped")))
		s.logger.Info("scheduled tick skipped, previous run still in flight",
			zap.Int64("run_id", report.RunID))
	default:
		s.metrics.TicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
		s.logger.Info("scheduled agent run completed",
			zap.String("execution_id", report.ExecutionID),
			zap.Duration("elapsed", elapsed),
			zap.Int("notifications_sent", report.NotificationsSent))
	}
}

// Status reports the scheduler state.
func (s *Scheduler) Status() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &Status{
		Running:         s.running,
		IntervalMinutes: s.config.IntervalMinutes,
		LastRun:         s.lastRun,
		TotalTicks:      s.totalTicks,
		SkippedTicks:    s.skippedTicks,
		FailedTicks:     s.failedTicks,
	}
	if s.running {
		if entry := s.cron.Entry(s.entryID); entry.ID == s.entryID {
			status.NextRun = entry.Next
		}
	}
	return status
}

// IsRunning reports whether the cron loop is live.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
