package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
)

// ErrDuplicatePendingTask is returned when a pending task already exists for
// the same order number and notification type.
var ErrDuplicatePendingTask = errors.New("pending task already exists")

const taskColumns = `
	id, order_num, org_name, notification_type, due_time, status, message,
	sent_at, last_sent_at, created_run_id, sent_run_id,
	retry_count, max_retry_count, cooldown_hours, created_at, updated_at
`

// NotificationTaskRepository persists the outbound notification queue.
type NotificationTaskRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewNotificationTaskRepository creates a new notification task repository
func NewNotificationTaskRepository(db *sqlx.DB, logger *zap.Logger) *NotificationTaskRepository {
	return &NotificationTaskRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new task. The pending-unique index guards against two
// concurrent creators racing on the same order and tier.
func (r *NotificationTaskRepository) Create(ctx context.Context, task *entities.NotificationTask) error {
	query := `
		INSERT INTO notification_tasks (
			order_num, org_name, notification_type, due_time, status,
			created_run_id, retry_count, max_retry_count, cooldown_hours,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`
	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		task.OrderNum,
		task.OrgName,
		task.NotificationType,
		task.DueTime,
		entities.TaskPending,
		task.CreatedRunID,
		task.RetryCount,
		task.MaxRetryCount,
		task.CooldownHours,
		now,
	).Scan(&task.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePendingTask
		}
		return fmt.Errorf("failed to create notification task: %w", err)
	}

	task.Status = entities.TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now
	r.logger.Info("notification task created",
		zap.Int64("task_id", task.ID),
		zap.String("order_num", task.OrderNum),
		zap.String("type", string(task.NotificationType)),
	)
	return nil
}

// GetByID returns one task, or nil when absent.
func (r *NotificationTaskRepository) GetByID(ctx context.Context, id int64) (*entities.NotificationTask, error) {
	var task entities.NotificationTask
	err := r.db.GetContext(ctx, &task,
		`SELECT `+taskColumns+` FROM notification_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", id, err)
	}
	return &task, nil
}

// GetPending returns all pending tasks, earliest due first.
func (r *NotificationTaskRepository) GetPending(ctx context.Context) ([]*entities.NotificationTask, error) {
	var tasks []*entities.NotificationTask
	err := r.db.SelectContext(ctx, &tasks,
		`SELECT `+taskColumns+` FROM notification_tasks WHERE status = $1 ORDER BY due_time ASC, created_at ASC`,
		entities.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	return tasks, nil
}

// HasPending reports whether a pending task exists for the order and tier.
func (r *NotificationTaskRepository) HasPending(ctx context.Context, orderNum string, typ entities.NotificationType) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM notification_tasks
			WHERE order_num = $1 AND notification_type = $2 AND status = $3
		)`, orderNum, typ, entities.TaskPending)
	if err != nil {
		return false, fmt.Errorf("failed to check pending task: %w", err)
	}
	return exists, nil
}

// LastSentAt returns the most recent send time for the order and tier, or nil
// when no send has happened yet.
func (r *NotificationTaskRepository) LastSentAt(ctx context.Context, orderNum string, typ entities.NotificationType) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.GetContext(ctx, &last, `
		SELECT MAX(last_sent_at) FROM notification_tasks
		WHERE order_num = $1 AND notification_type = $2`, orderNum, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to read last send time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// LastGroupSentAt returns the most recent send time into the org's group for
// any tier, used for the per-group frequency floor.
func (r *NotificationTaskRepository) LastGroupSentAt(ctx context.Context, orgName string) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.GetContext(ctx, &last, `
		SELECT MAX(last_sent_at) FROM notification_tasks WHERE org_name = $1`, orgName)
	if err != nil {
		return nil, fmt.Errorf("failed to read group send time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// SetMessage persists the rendered text ahead of the delivery attempt, so a
// failed send still shows what would have gone out. The first write wins.
func (r *NotificationTaskRepository) SetMessage(ctx context.Context, taskID int64, message string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notification_tasks
		SET message = COALESCE(message, $2), updated_at = $3
		WHERE id = $1`,
		taskID, message, now)
	if err != nil {
		return fmt.Errorf("failed to set message for task %d: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

// MarkSent finalizes a successful send. The rendered message is persisted
// verbatim and never rewritten afterwards.
func (r *NotificationTaskRepository) MarkSent(ctx context.Context, taskID int64, message string, runID int64, sentAt time.Time) error {
	query := `
		UPDATE notification_tasks
		SET status = $2,
		    message = COALESCE(message, $3),
		    sent_at = COALESCE(sent_at, $4),
		    last_sent_at = $4,
		    sent_run_id = $5,
		    updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, taskID, entities.TaskSent, message, sentAt, runID)
	if err != nil {
		return fmt.Errorf("failed to mark task %d sent: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

// RecordRetry bumps the retry counter after a transient failure. When the
// counter reaches the maximum the task is failed instead.
func (r *NotificationTaskRepository) RecordRetry(ctx context.Context, taskID int64, now time.Time) (entities.TaskStatus, error) {
	query := `
		UPDATE notification_tasks
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= max_retry_count THEN 'failed' ELSE status END,
		    updated_at = $2
		WHERE id = $1
		RETURNING status
	`
	var status entities.TaskStatus
	if err := r.db.GetContext(ctx, &status, query, taskID, now); err != nil {
		return "", fmt.Errorf("failed to record retry for task %d: %w", taskID, err)
	}
	return status, nil
}

// MarkFailed fails a task outright, for permanent delivery errors.
func (r *NotificationTaskRepository) MarkFailed(ctx context.Context, taskID int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_tasks SET status = $2, updated_at = $3 WHERE id = $1`,
		taskID, entities.TaskFailed, now)
	if err != nil {
		return fmt.Errorf("failed to mark task %d failed: %w", taskID, err)
	}
	return nil
}

// MarkCancelled cancels a pending task, for disabled or unrouted groups.
func (r *NotificationTaskRepository) MarkCancelled(ctx context.Context, taskID int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_tasks SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		taskID, entities.TaskCancelled, now, entities.TaskPending)
	if err != nil {
		return fmt.Errorf("failed to cancel task %d: %w", taskID, err)
	}
	return nil
}

// Statistics summarizes task outcomes created within the trailing window.
func (r *NotificationTaskRepository) Statistics(ctx context.Context, periodHours int) (*entities.NotificationStatistics, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending
		FROM notification_tasks
		WHERE created_at >= NOW() - ($1 || ' hours')::interval
	`
	var row struct {
		Total   int `db:"total"`
		Sent    int `db:"sent"`
		Failed  int `db:"failed"`
		Pending int `db:"pending"`
	}
	if err := r.db.GetContext(ctx, &row, query, periodHours); err != nil {
		return nil, fmt.Errorf("failed to load notification statistics: %w", err)
	}
	return &entities.NotificationStatistics{
		TotalTasks:   row.Total,
		SentCount:    row.Sent,
		FailedCount:  row.Failed,
		PendingCount: row.Pending,
		PeriodHours:  periodHours,
	}, nil
}

// DeleteOlderThan removes terminal tasks older than the cutoff. Pending tasks
// are never cleaned up.
func (r *NotificationTaskRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM notification_tasks
		WHERE created_at < $1 AND status IN ($2, $3, $4)`,
		cutoff, entities.TaskSent, entities.TaskFailed, entities.TaskCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Info("cleaned up old notification tasks", zap.Int64("deleted", n))
	}
	return n, nil
}
