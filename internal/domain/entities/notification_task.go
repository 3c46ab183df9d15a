package entities

import (
	"strings"
	"time"
)

// NotificationType distinguishes the three SLA message tiers.
type NotificationType string

const (
	NotificationViolation  NotificationType = "violation"
	NotificationStandard   NotificationType = "standard"
	NotificationEscalation NotificationType = "escalation"
)

// TaskStatus is the lifecycle state of a notification task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSent      TaskStatus = "sent"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

const escalationKeyPrefix = "ESCALATION_"

// EscalationTaskKey builds the task key for the aggregated per-organization
// escalation task. It is stored in the order_num column so the pending-unique
// index enforces one escalation task per organization.
func EscalationTaskKey(orgName string) string {
	return escalationKeyPrefix + orgName
}

// IsEscalationKey reports whether an order_num value is an aggregated
// escalation key rather than a real work-order number.
func IsEscalationKey(orderNum string) bool {
	return strings.HasPrefix(orderNum, escalationKeyPrefix)
}

// NotificationTask is one outbound message unit, persisted in the task queue.
type NotificationTask struct {
	ID               int64            `db:"id" json:"id"`
	OrderNum         string           `db:"order_num" json:"order_num"`
	OrgName          string           `db:"org_name" json:"org_name"`
	NotificationType NotificationType `db:"notification_type" json:"notification_type"`
	DueTime          time.Time        `db:"due_time" json:"due_time"`
	Status           TaskStatus       `db:"status" json:"status"`

	// Message is the exact text actually sent; filled on first send and
	// immutable thereafter.
	Message *string `db:"message" json:"message,omitempty"`

	SentAt     *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	LastSentAt *time.Time `db:"last_sent_at" json:"last_sent_at,omitempty"`

	CreatedRunID int64  `db:"created_run_id" json:"created_run_id"`
	SentRunID    *int64 `db:"sent_run_id" json:"sent_run_id,omitempty"`

	RetryCount    int     `db:"retry_count" json:"retry_count"`
	MaxRetryCount int     `db:"max_retry_count" json:"max_retry_count"`
	CooldownHours float64 `db:"cooldown_hours" json:"cooldown_hours"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// NotificationStatistics summarizes task outcomes over a window.
type NotificationStatistics struct {
	TotalTasks   int `json:"total_tasks"`
	SentCount    int `json:"sent_count"`
	FailedCount  int `json:"failed_count"`
	PendingCount int `json:"pending_count"`
	PeriodHours  int `json:"period_hours"`
}
