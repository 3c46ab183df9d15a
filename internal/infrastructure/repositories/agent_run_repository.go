package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
)

// AgentRunRepository persists run records and their step traces.
type AgentRunRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewAgentRunRepository creates a new agent run repository
func NewAgentRunRepository(db *sqlx.DB, logger *zap.Logger) *AgentRunRepository {
	return &AgentRunRepository{
		db:     db,
		logger: logger,
	}
}

// CreateRun inserts a new run in the running state and fills its ID.
func (r *AgentRunRepository) CreateRun(ctx context.Context, run *entities.AgentRun) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}

	query := `
		INSERT INTO agent_runs (trigger_time, status, context, errors, created_at, updated_at)
		VALUES ($1, $2, $3, '[]'::jsonb, $4, $4)
		RETURNING id
	`
	now := time.Now()
	if err := r.db.QueryRowContext(ctx, query, run.TriggerTime, entities.RunRunning, contextJSON, now).Scan(&run.ID); err != nil {
		return fmt.Errorf("failed to create agent run: %w", err)
	}
	run.Status = entities.RunRunning
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

const runColumns = `
	id, trigger_time, end_time, status, context, errors,
	opportunities_processed, notifications_sent, created_at, updated_at
`

// agentRunRow carries the JSON columns alongside the scannable fields.
type agentRunRow struct {
	entities.AgentRun
	ContextRaw []byte `db:"context"`
	ErrorsRaw  []byte `db:"errors"`
}

func (row *agentRunRow) toEntity() (*entities.AgentRun, error) {
	run := row.AgentRun
	if len(row.ContextRaw) > 0 {
		if err := json.Unmarshal(row.ContextRaw, &run.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context of run %d: %w", run.ID, err)
		}
	}
	if len(row.ErrorsRaw) > 0 {
		if err := json.Unmarshal(row.ErrorsRaw, &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode errors of run %d: %w", run.ID, err)
		}
	}
	return &run, nil
}

// GetRunning returns the most recent run still in the running state, or nil.
func (r *AgentRunRepository) GetRunning(ctx context.Context) (*entities.AgentRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM agent_runs
		WHERE status = $1
		ORDER BY trigger_time DESC
		LIMIT 1
	`
	var row agentRunRow
	err := r.db.GetContext(ctx, &row, query, entities.RunRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load running agent run: %w", err)
	}
	return row.toEntity()
}

// GetByID returns one run, or nil when absent.
func (r *AgentRunRepository) GetByID(ctx context.Context, id int64) (*entities.AgentRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM agent_runs
		WHERE id = $1
	`
	var row agentRunRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent run %d: %w", id, err)
	}
	return row.toEntity()
}

// ListRecent returns the newest runs first.
func (r *AgentRunRepository) ListRecent(ctx context.Context, limit int) ([]*entities.AgentRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM agent_runs
		ORDER BY trigger_time DESC
		LIMIT $1
	`
	var rows []agentRunRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	runs := make([]*entities.AgentRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// FinishRun moves a run to a terminal status and records its counters and
// accumulated errors.
func (r *AgentRunRepository) FinishRun(ctx context.Context, run *entities.AgentRun) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}

	query := `
		UPDATE agent_runs
		SET status = $2,
		    end_time = $3,
		    context = $4,
		    errors = $5,
		    opportunities_processed = $6,
		    notifications_sent = $7,
		    updated_at = $3
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		run.ID, run.Status, run.EndTime, contextJSON, errorsJSON,
		run.OpportunitiesProcessed, run.NotificationsSent)
	if err != nil {
		return fmt.Errorf("failed to finish agent run %d: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent run %d not found", run.ID)
	}
	return nil
}

// AddStep records one step trace for a run.
func (r *AgentRunRepository) AddStep(ctx context.Context, step *entities.StepTrace) error {
	payloadJSON, err := json.Marshal(step.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal step payload: %w", err)
	}

	query := `
		INSERT INTO agent_history (run_id, step_name, start_time, end_time, outcome, payload, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	now := time.Now()
	if err := r.db.QueryRowContext(ctx, query,
		step.RunID, step.StepName, step.Start, step.End, step.Outcome,
		payloadJSON, step.ErrorMessage, now).Scan(&step.ID); err != nil {
		return fmt.Errorf("failed to record step %s: %w", step.StepName, err)
	}
	step.CreatedAt = now
	return nil
}

// stepRow carries the JSON payload column alongside the scannable fields.
type stepRow struct {
	entities.StepTrace
	PayloadRaw []byte `db:"payload"`
}

// GetSteps returns the step traces of one run in execution order.
func (r *AgentRunRepository) GetSteps(ctx context.Context, runID int64) ([]*entities.StepTrace, error) {
	query := `
		SELECT id, run_id, step_name, start_time, end_time, outcome, payload, error_message, created_at
		FROM agent_history
		WHERE run_id = $1
		ORDER BY start_time ASC
	`
	var rows []stepRow
	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to load steps for run %d: %w", runID, err)
	}
	steps := make([]*entities.StepTrace, 0, len(rows))
	for i := range rows {
		step := rows[i].StepTrace
		if len(rows[i].PayloadRaw) > 0 {
			if err := json.Unmarshal(rows[i].PayloadRaw, &step.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload of step %d: %w", step.ID, err)
			}
		}
		steps = append(steps, &step)
	}
	return steps, nil
}

// Statistics aggregates run outcomes over the trailing window.
func (r *AgentRunRepository) Statistics(ctx context.Context, periodHours int) (*entities.RunStatistics, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COALESCE(AVG(EXTRACT(EPOCH FROM (end_time - trigger_time))) FILTER (WHERE end_time IS NOT NULL), 0) AS avg_seconds
		FROM agent_runs
		WHERE trigger_time >= NOW() - ($1 || ' hours')::interval
	`
	var row struct {
		Total      int     `db:"total"`
		Completed  int     `db:"completed"`
		Failed     int     `db:"failed"`
		AvgSeconds float64 `db:"avg_seconds"`
	}
	if err := r.db.GetContext(ctx, &row, query, periodHours); err != nil {
		return nil, fmt.Errorf("failed to load run statistics: %w", err)
	}
	return &entities.RunStatistics{
		TotalRuns:              row.Total,
		SuccessfulRuns:         row.Completed,
		FailedRuns:             row.Failed,
		AverageDurationSeconds: row.AvgSeconds,
	}, nil
}

// StepPerformance aggregates per-step timing over the trailing window.
func (r *AgentRunRepository) StepPerformance(ctx context.Context, periodHours int) ([]*entities.StepPerformance, error) {
	query := `
		SELECT
			step_name,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE outcome = 'completed') AS successful,
			COALESCE(AVG(EXTRACT(EPOCH FROM (end_time - start_time))), 0) AS avg_seconds
		FROM agent_history
		WHERE created_at >= NOW() - ($1 || ' hours')::interval
		GROUP BY step_name
		ORDER BY step_name
	`
	rows, err := r.db.QueryxContext(ctx, query, periodHours)
	if err != nil {
		return nil, fmt.Errorf("failed to load step performance: %w", err)
	}
	defer rows.Close()

	var out []*entities.StepPerformance
	for rows.Next() {
		var row struct {
			StepName   string  `db:"step_name"`
			Total      int     `db:"total"`
			Successful int     `db:"successful"`
			AvgSeconds float64 `db:"avg_seconds"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan step performance: %w", err)
		}
		out = append(out, &entities.StepPerformance{
			StepName:               row.StepName,
			TotalExecutions:        row.Total,
			SuccessfulExecutions:   row.Successful,
			AverageDurationSeconds: row.AvgSeconds,
		})
	}
	return out, rows.Err()
}

// DeleteOlderThan removes terminal runs, cascading their steps.
func (r *AgentRunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM agent_runs
		WHERE trigger_time < $1 AND status IN ($2, $3)`,
		cutoff, entities.RunCompleted, entities.RunFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Info("cleaned up old agent runs", zap.Int64("deleted", n))
	}
	return n, nil
}
