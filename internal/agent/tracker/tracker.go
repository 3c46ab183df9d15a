// Package tracker records agent run lifecycles and their step traces, and
// guarantees at most one run is live in this process at a time.
package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/pkg/metrics"
)

// RunStore is the persistence surface for runs and steps.
type RunStore interface {
	CreateRun(ctx context.Context, run *entities.AgentRun) error
	FinishRun(ctx context.Context, run *entities.AgentRun) error
	GetRunning(ctx context.Context) (*entities.AgentRun, error)
	GetByID(ctx context.Context, id int64) (*entities.AgentRun, error)
	ListRecent(ctx context.Context, limit int) ([]*entities.AgentRun, error)
	AddStep(ctx context.Context, step *entities.StepTrace) error
	GetSteps(ctx context.Context, runID int64) ([]*entities.StepTrace, error)
	Statistics(ctx context.Context, periodHours int) (*entities.RunStatistics, error)
	StepPerformance(ctx context.Context, periodHours int) ([]*entities.StepPerformance, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tracker serializes runs: StartRun returns the live run's ID instead of
// opening a second one.
type Tracker struct {
	store  RunStore
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	currentRun *entities.AgentRun
}

// NewTracker creates a tracker.
func NewTracker(store RunStore, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the tracker's clock.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// StartRun opens a new run, or returns the live run's ID when one is
// already in flight. The second return reports whether a run was started.
func (t *Tracker) StartRun(ctx context.Context, runContext map[string]interface{}) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.currentRun != nil {
		return t.currentRun.ID, false, nil
	}

	run := &entities.AgentRun{
		TriggerTime: t.now(),
		Context:     runContext,
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return 0, false, err
	}
	t.currentRun = run
	t.logger.Info("agent run started",
		zap.Int64("run_id", run.ID),
		zap.Time("trigger_time", run.TriggerTime))
	return run.ID, true, nil
}

// IsRunning reports whether this tracker holds a live run.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentRun != nil
}

// CurrentRunID returns the live run's ID, or zero.
func (t *Tracker) CurrentRunID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentRun == nil {
		return 0
	}
	return t.currentRun.ID
}

// RecordError appends an error message to the live run.
func (t *Tracker) RecordError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentRun != nil {
		t.currentRun.Errors = append(t.currentRun.Errors, message)
	}
}

// SetCounters updates the live run's progress counters.
func (t *Tracker) SetCounters(opportunitiesProcessed, notificationsSent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentRun != nil {
		t.currentRun.OpportunitiesProcessed = opportunitiesProcessed
		t.currentRun.NotificationsSent = notificationsSent
	}
}

// TrackStep times fn and persists a step trace whatever the outcome. The
// returned error is fn's own.
func (t *Tracker) TrackStep(ctx context.Context, stepName string, fn func(ctx context.Context) (map[string]interface{}, error)) error {
	runID := t.CurrentRunID()
	start := t.now()
	payload, err := fn(ctx)
	end := t.now()

	step := &entities.StepTrace{
		RunID:    runID,
		StepName: stepName,
		Start:    start,
		End:      end,
		Outcome:  entities.StepCompleted,
		Payload:  payload,
	}
	if err != nil {
		step.Outcome = entities.StepFailed
		msg := err.Error()
		step.ErrorMessage = &msg
	}
	if storeErr := t.store.AddStep(ctx, step); storeErr != nil {
		// Step bookkeeping never fails the pipeline.
		t.logger.Error("failed to record step trace",
			zap.String("step", stepName),
			zap.Error(storeErr))
	}
	return err
}

func (t *Tracker) finish(ctx context.Context, status entities.RunStatus) error {
	t.mu.Lock()
	run := t.currentRun
	t.currentRun = nil
	t.mu.Unlock()

	if run == nil {
		return nil
	}
	end := t.now()
	run.EndTime = &end
	run.Status = status

	metrics.AgentRunsTotal.WithLabelValues(string(status)).Inc()
	metrics.AgentRunDuration.Observe(end.Sub(run.TriggerTime).Seconds())
	t.logger.Info("agent run finished",
		zap.Int64("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("opportunities_processed", run.OpportunitiesProcessed),
		zap.Int("notifications_sent", run.NotificationsSent),
		zap.Int("errors", len(run.Errors)))
	return t.store.FinishRun(ctx, run)
}

// CompleteRun closes the live run as completed.
func (t *Tracker) CompleteRun(ctx context.Context) error {
	return t.finish(ctx, entities.RunCompleted)
}

// FailRun closes the live run as failed, recording the fatal error.
func (t *Tracker) FailRun(ctx context.Context, cause error) error {
	if cause != nil {
		t.RecordError(cause.Error())
	}
	return t.finish(ctx, entities.RunFailed)
}

// RecoverStaleRun fails a run left in the running state by a previous
// process, so a crash never wedges the scheduler.
func (t *Tracker) RecoverStaleRun(ctx context.Context) error {
	stale, err := t.store.GetRunning(ctx)
	if err != nil {
		return err
	}
	if stale == nil {
		return nil
	}
	end := t.now()
	stale.EndTime = &end
	stale.Status = entities.RunFailed
	stale.Errors = append(stale.Errors, "run interrupted by process restart")
	t.logger.Warn("recovered stale agent run", zap.Int64("run_id", stale.ID))
	return t.store.FinishRun(ctx, stale)
}

// GetRun returns one run with its steps attached.
func (t *Tracker) GetRun(ctx context.Context, runID int64) (*entities.AgentRun, []*entities.StepTrace, error) {
	run, err := t.store.GetByID(ctx, runID)
	if err != nil || run == nil {
		return run, nil, err
	}
	steps, err := t.store.GetSteps(ctx, runID)
	if err != nil {
		return run, nil, err
	}
	return run, steps, nil
}

// ListRecentRuns returns the newest runs first.
func (t *Tracker) ListRecentRuns(ctx context.Context, limit int) ([]*entities.AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.store.ListRecent(ctx, limit)
}

// Statistics aggregates run outcomes over the trailing window.
func (t *Tracker) Statistics(ctx context.Context, periodHours int) (*entities.RunStatistics, error) {
	if periodHours <= 0 {
		periodHours = 24
	}
	return t.store.Statistics(ctx, periodHours)
}

// StepPerformance aggregates per-step timing over the trailing window.
func (t *Tracker) StepPerformance(ctx context.Context, periodHours int) ([]*entities.StepPerformance, error) {
	if periodHours <= 0 {
		periodHours = 24
	}
	return t.store.StepPerformance(ctx, periodHours)
}

// CleanupOldRuns removes terminal runs past the retention window.
func (t *Tracker) CleanupOldRuns(ctx context.Context, retention time.Duration) (int64, error) {
	return t.store.DeleteOlderThan(ctx, t.now().Add(-retention))
}
