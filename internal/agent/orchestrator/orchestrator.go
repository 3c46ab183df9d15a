// Package orchestrator runs the full agent pipeline: fetch, evaluate,
// create tasks, dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/agent/datastrategy"
	"github.com/fieldops/fsoa-service/internal/agent/notifier"
	"github.com/fieldops/fsoa-service/internal/agent/tracker"
	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/internal/domain/services/sla"
	"github.com/fieldops/fsoa-service/internal/notification/webhook"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
	"github.com/fieldops/fsoa-service/pkg/metrics"
)

// Pipeline step names as recorded in run traces.
const (
	StepFetchOpportunities = "fetch_opportunities"
	StepEvaluate           = "evaluate_opportunities"
	StepCreateTasks        = "create_notification_tasks"
	StepExecuteTasks       = "execute_notification_tasks"
)

// Report is the outcome of one pipeline execution.
type Report struct {
	ExecutionID            string    `json:"execution_id"`
	RunID                  int64     `json:"run_id"`
	Skipped                bool      `json:"skipped"`
	DryRun                 bool      `json:"dry_run"`
	StaleData              bool      `json:"stale_data"`
	OpportunitiesProcessed int       `json:"opportunities_processed"`
	TasksCreated           int       `json:"tasks_created"`
	NotificationsSent      int       `json:"notifications_sent"`
	NotificationsFailed    int       `json:"notifications_failed"`
	StartedAt              time.Time `json:"started_at"`
	FinishedAt             time.Time `json:"finished_at"`
	Errors                 []string  `json:"errors,omitempty"`
	// DryRunMessages carries the rendered messages a dry run would have
	// delivered.
	DryRunMessages []webhook.SentMessage `json:"dry_run_messages,omitempty"`
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	strategy  *datastrategy.Strategy
	evaluator *sla.Evaluator
	manager   *notifier.Manager
	tracker   *tracker.Tracker
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an orchestrator.
func New(
	strategy *datastrategy.Strategy,
	evaluator *sla.Evaluator,
	manager *notifier.Manager,
	runTracker *tracker.Tracker,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		strategy:  strategy,
		evaluator: evaluator,
		manager:   manager,
		tracker:   runTracker,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the orchestrator's clock.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func newExecutionID(at time.Time) string {
	return fmt.Sprintf("exec_%s_%s", at.Format("20060102150405"), uuid.NewString()[:8])
}

// Execute runs the pipeline once. A run already in flight is not joined; the
// call reports itself skipped. Dry runs render and record messages without
// delivering them, exercising every other code path.
func (o *Orchestrator) Execute(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{
		ExecutionID: newExecutionID(o.now()),
		DryRun:      dryRun,
		StartedAt:   o.now(),
	}

	trigger := "scheduled"
	if dryRun {
		trigger = "dry_run"
	}
	runID, started, err := o.tracker.StartRun(ctx, map[string]interface{}{
		"execution_id": report.ExecutionID,
		"trigger":      trigger,
		"dry_run":      dryRun,
	})
	if err != nil {
		return nil, err
	}
	report.RunID = runID
	if !started {
		report.Skipped = true
		report.FinishedAt = o.now()
		o.logger.Info("agent run already in flight, skipping",
			zap.Int64("run_id", runID),
			zap.String("execution_id", report.ExecutionID))
		return report, nil
	}

	manager := o.manager
	var recorder *webhook.NoopClient
	if dryRun {
		recorder = webhook.NewNoopClient()
		manager = o.manager.WithWebhookClient(recorder)
	}

	var opps []*entities.Opportunity
	err = o.tracker.TrackStep(ctx, StepFetchOpportunities, func(ctx context.Context) (map[string]interface{}, error) {
		result, err := o.strategy.GetOpportunities(ctx)
		if err != nil {
			return nil, err
		}
		opps = result.Opportunities
		if result.Stale {
			report.StaleData = true
			o.tracker.RecordError(fmt.Sprintf("serving stale data: %v", result.SourceErr))
		}
		return map[string]interface{}{
			"count":  len(opps),
			"source": string(result.Source),
			"stale":  result.Stale,
		}, nil
	})
	if err != nil {
		return o.fail(ctx, report, err)
	}

	err = o.tracker.TrackStep(ctx, StepEvaluate, func(ctx context.Context) (map[string]interface{}, error) {
		o.evaluator.ApplyAll(opps, o.now())
		violations, overdue, escalated := 0, 0, 0
		for _, opp := range opps {
			if opp.IsViolation {
				violations++
			}
			if opp.IsOverdue {
				overdue++
			}
			if opp.EscalationLevel > 0 {
				escalated++
			}
		}
		return map[string]interface{}{
			"violations": violations,
			"overdue":    overdue,
			"escalated":  escalated,
		}, nil
	})
	if err != nil {
		return o.fail(ctx, report, err)
	}
	report.OpportunitiesProcessed = len(opps)
	metrics.OpportunitiesProcessed.Add(float64(len(opps)))

	err = o.tracker.TrackStep(ctx, StepCreateTasks, func(ctx context.Context) (map[string]interface{}, error) {
		creation, err := manager.CreateTasks(ctx, opps, runID)
		if err != nil {
			return nil, err
		}
		report.TasksCreated = creation.Created
		return map[string]interface{}{
			"created":          creation.Created,
			"skipped_pending":  creation.SkippedPending,
			"skipped_cooldown": creation.SkippedCooldown,
		}, nil
	})
	if err != nil {
		return o.fail(ctx, report, err)
	}

	err = o.tracker.TrackStep(ctx, StepExecuteTasks, func(ctx context.Context) (map[string]interface{}, error) {
		execution, err := manager.ExecuteTasks(ctx, opps, runID)
		if err != nil {
			return nil, err
		}
		report.NotificationsSent = execution.Sent
		report.NotificationsFailed = execution.Failed
		for _, msg := range execution.Errors {
			o.tracker.RecordError(msg)
			report.Errors = append(report.Errors, msg)
		}
		return map[string]interface{}{
			"total":     execution.Total,
			"sent":      execution.Sent,
			"failed":    execution.Failed,
			"skipped":   execution.Skipped,
			"cancelled": execution.Cancelled,
			"escalated": execution.Escalated,
		}, nil
	})
	if err != nil {
		return o.fail(ctx, report, err)
	}

	if recorder != nil {
		report.DryRunMessages = recorder.Messages()
	}

	o.tracker.SetCounters(report.OpportunitiesProcessed, report.NotificationsSent)
	if err := o.tracker.CompleteRun(ctx); err != nil {
		return nil, err
	}
	report.FinishedAt = o.now()
	o.logger.Info("agent run completed",
		zap.String("execution_id", report.ExecutionID),
		zap.Int64("run_id", report.RunID),
		zap.Bool("dry_run", report.DryRun),
		zap.Int("opportunities", report.OpportunitiesProcessed),
		zap.Int("sent", report.NotificationsSent))
	return report, nil
}

func (o *Orchestrator) fail(ctx context.Context, report *Report, cause error) (*Report, error) {
	if errors.Is(cause, context.Canceled) {
		cause = apperrors.Wrap(cause, apperrors.CodeCancelled, "run cancelled")
	}
	o.tracker.SetCounters(report.OpportunitiesProcessed, report.NotificationsSent)
	if err := o.tracker.FailRun(ctx, cause); err != nil {
		o.logger.Error("failed to record failed run", zap.Error(err))
	}
	report.FinishedAt = o.now()
	report.Errors = append(report.Errors, cause.Error())
	return report, cause
}
