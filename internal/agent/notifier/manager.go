// Package notifier owns the notification task queue: creating deduplicated
// tasks from evaluated opportunities and dispatching them to group webhooks
// in batched messages.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/internal/infrastructure/repositories"
	"github.com/fieldops/fsoa-service/internal/notification/formatter"
	"github.com/fieldops/fsoa-service/internal/notification/webhook"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
	"github.com/fieldops/fsoa-service/pkg/metrics"
)

// TaskStore is the persistence surface for notification tasks.
type TaskStore interface {
	Create(ctx context.Context, task *entities.NotificationTask) error
	GetPending(ctx context.Context) ([]*entities.NotificationTask, error)
	HasPending(ctx context.Context, orderNum string, typ entities.NotificationType) (bool, error)
	LastSentAt(ctx context.Context, orderNum string, typ entities.NotificationType) (*time.Time, error)
	LastGroupSentAt(ctx context.Context, orgName string) (*time.Time, error)
	SetMessage(ctx context.Context, taskID int64, message string, now time.Time) error
	MarkSent(ctx context.Context, taskID int64, message string, runID int64, sentAt time.Time) error
	RecordRetry(ctx context.Context, taskID int64, now time.Time) (entities.TaskStatus, error)
	MarkFailed(ctx context.Context, taskID int64, now time.Time) error
	MarkCancelled(ctx context.Context, taskID int64, now time.Time) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// GroupStore resolves chat-group routing.
type GroupStore interface {
	GetByID(ctx context.Context, groupID string) (*entities.GroupConfig, error)
	GetByOrgName(ctx context.Context, orgName string) (*entities.GroupConfig, error)
}

// Settings supplies the runtime-tunable knobs.
type Settings interface {
	GetInt(key string, fallback int) int
	GetFloat(key string, fallback float64) float64
	GetStringSlice(key string) []string
}

const (
	cooldownKey  = "notification_cooldown_hours"
	maxRetryKey  = "notification_max_retry"
	mentionsKey  = "escalation_mention_users"
	maxListedKey = "notification_max_listed_orders"
)

// CreationResult summarizes one task creation pass.
type CreationResult struct {
	Created         int `json:"created"`
	SkippedPending  int `json:"skipped_pending"`
	SkippedCooldown int `json:"skipped_cooldown"`
}

// ExecutionResult summarizes one dispatch pass.
type ExecutionResult struct {
	Total     int      `json:"total"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Cancelled int      `json:"cancelled"`
	Escalated int      `json:"escalated"`
	Errors    []string `json:"errors,omitempty"`
}

// Manager drives the task queue.
type Manager struct {
	tasks    TaskStore
	groups   GroupStore
	settings Settings
	client   webhook.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager wires the manager with the real webhook client.
func NewManager(tasks TaskStore, groups GroupStore, settings Settings, client webhook.Client, logger *zap.Logger) *Manager {
	return &Manager{
		tasks:    tasks,
		groups:   groups,
		settings: settings,
		client:   client,
		logger:   logger,
		now:      time.Now,
	}
}

// WithWebhookClient returns a copy sending through the given client. Dry
// runs swap in a recorder so every other code path stays identical.
func (m *Manager) WithWebhookClient(client webhook.Client) *Manager {
	clone := *m
	clone.client = client
	return &clone
}

// WithClock replaces the manager's clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) cooldown() time.Duration {
	hours := m.settings.GetFloat(cooldownKey, 2.0)
	return time.Duration(hours * float64(time.Hour))
}

// shouldCreate applies the dedup rules: no second live task for a key, and
// no recreation inside the cooldown window after a send.
func (m *Manager) shouldCreate(ctx context.Context, key string, typ entities.NotificationType, result *CreationResult) (bool, error) {
	pending, err := m.tasks.HasPending(ctx, key, typ)
	if err != nil {
		return false, err
	}
	if pending {
		result.SkippedPending++
		return false, nil
	}
	lastSent, err := m.tasks.LastSentAt(ctx, key, typ)
	if err != nil {
		return false, err
	}
	if lastSent != nil && m.now().Sub(*lastSent) < m.cooldown() {
		result.SkippedCooldown++
		return false, nil
	}
	return true, nil
}

func (m *Manager) createTask(ctx context.Context, key, orgName string, typ entities.NotificationType, runID int64, result *CreationResult) error {
	task := &entities.NotificationTask{
		OrderNum:         key,
		OrgName:          orgName,
		NotificationType: typ,
		DueTime:          m.now(),
		CreatedRunID:     runID,
		MaxRetryCount:    m.settings.GetInt(maxRetryKey, 5),
		CooldownHours:    m.settings.GetFloat(cooldownKey, 2.0),
	}
	err := m.tasks.Create(ctx, task)
	if errors.Is(err, repositories.ErrDuplicatePendingTask) {
		// Lost a race with a concurrent creator; the task exists, move on.
		result.SkippedPending++
		return nil
	}
	if err != nil {
		return err
	}
	result.Created++
	metrics.NotificationTasksCreated.WithLabelValues(string(typ)).Inc()
	return nil
}

// CreateTasks walks evaluated opportunities and enqueues the notifications
// their SLA state calls for. Escalations aggregate into one task per
// organization.
func (m *Manager) CreateTasks(ctx context.Context, opps []*entities.Opportunity, runID int64) (*CreationResult, error) {
	result := &CreationResult{}
	escalatedOrgs := make(map[string]bool)

	for _, opp := range opps {
		if !opp.OrderStatus.Monitored() {
			continue
		}
		if opp.IsViolation {
			ok, err := m.shouldCreate(ctx, opp.OrderNum, entities.NotificationViolation, result)
			if err != nil {
				return result, err
			}
			if ok {
				if err := m.createTask(ctx, opp.OrderNum, opp.OrgName, entities.NotificationViolation, runID, result); err != nil {
					return result, err
				}
			}
		}
		if opp.IsOverdue {
			ok, err := m.shouldCreate(ctx, opp.OrderNum, entities.NotificationStandard, result)
			if err != nil {
				return result, err
			}
			if ok {
				if err := m.createTask(ctx, opp.OrderNum, opp.OrgName, entities.NotificationStandard, runID, result); err != nil {
					return result, err
				}
			}
		}
		if opp.EscalationLevel > 0 {
			escalatedOrgs[opp.OrgName] = true
		}
	}

	orgs := make([]string, 0, len(escalatedOrgs))
	for org := range escalatedOrgs {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	for _, org := range orgs {
		key := entities.EscalationTaskKey(org)
		ok, err := m.shouldCreate(ctx, key, entities.NotificationEscalation, result)
		if err != nil {
			return result, err
		}
		if ok {
			if err := m.createTask(ctx, key, org, entities.NotificationEscalation, runID, result); err != nil {
				return result, err
			}
		}
	}

	m.logger.Info("notification tasks created",
		zap.Int("created", result.Created),
		zap.Int("skipped_pending", result.SkippedPending),
		zap.Int("skipped_cooldown", result.SkippedCooldown))
	return result, nil
}

// groupKey batches tasks heading to the same group with the same tier.
type groupKey struct {
	orgName string
	typ     entities.NotificationType
}

// ExecuteTasks dispatches every pending task, batching tasks of the same
// organization and tier into one message. The evaluated snapshot supplies
// the message content; pending tasks whose order has left the snapshot are
// cancelled, the work is done.
func (m *Manager) ExecuteTasks(ctx context.Context, opps []*entities.Opportunity, runID int64) (*ExecutionResult, error) {
	pending, err := m.tasks.GetPending(ctx)
	if err != nil {
		return nil, err
	}

	byOrder := make(map[string]*entities.Opportunity, len(opps))
	escalatedByOrg := make(map[string][]*entities.Opportunity)
	for _, opp := range opps {
		byOrder[opp.OrderNum] = opp
		if opp.EscalationLevel > 0 {
			escalatedByOrg[opp.OrgName] = append(escalatedByOrg[opp.OrgName], opp)
		}
	}

	groups := make(map[groupKey][]*entities.NotificationTask)
	order := make([]groupKey, 0)
	for _, task := range pending {
		key := groupKey{orgName: task.OrgName, typ: task.NotificationType}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], task)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].orgName != order[j].orgName {
			return order[i].orgName < order[j].orgName
		}
		return order[i].typ < order[j].typ
	})

	// Group send floors are read once before any send, so two tiers dispatched
	// to the same org in one pass are measured against the same baseline.
	floors := make(map[string]*time.Time)
	floorErrs := make(map[string]error)
	for _, key := range order {
		if _, done := floors[key.orgName]; done {
			continue
		}
		if _, done := floorErrs[key.orgName]; done {
			continue
		}
		last, err := m.tasks.LastGroupSentAt(ctx, key.orgName)
		if err != nil {
			floorErrs[key.orgName] = err
			continue
		}
		floors[key.orgName] = last
	}

	result := &ExecutionResult{Total: len(pending)}
	for _, key := range order {
		m.dispatchGroup(ctx, key, groups[key], byOrder, escalatedByOrg,
			floors[key.orgName], floorErrs[key.orgName], runID, result)
	}

	m.logger.Info("notification tasks executed",
		zap.Int("total", result.Total),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("cancelled", result.Cancelled))
	return result, nil
}

func (m *Manager) dispatchGroup(
	ctx context.Context,
	key groupKey,
	tasks []*entities.NotificationTask,
	byOrder map[string]*entities.Opportunity,
	escalatedByOrg map[string][]*entities.Opportunity,
	lastGroupSent *time.Time,
	floorErr error,
	runID int64,
	result *ExecutionResult,
) {
	now := m.now()

	group, err := m.resolveGroup(ctx, key)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("resolve group for %s/%s: %v", key.orgName, key.typ, err))
		result.Skipped += len(tasks)
		return
	}
	if group == nil || !group.Enabled {
		// No destination for these messages; fail them so the gap shows up.
		for _, task := range tasks {
			if err := m.tasks.MarkFailed(ctx, task.ID, now); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("fail task %d: %v", task.ID, err))
				continue
			}
			result.Failed++
			metrics.NotificationsDispatched.WithLabelValues(string(key.typ), "failed").Inc()
		}
		result.Errors = append(result.Errors,
			apperrors.Newf(apperrors.CodeNoWebhook, "no enabled group for %s/%s", key.orgName, key.typ).Error())
		m.logger.Warn("no enabled group for notification batch, tasks failed",
			zap.String("org_name", key.orgName),
			zap.String("type", string(key.typ)),
			zap.Int("count", len(tasks)))
		return
	}

	// Per-group frequency floor on top of the per-task cooldown.
	if floor := time.Duration(group.NotificationCooldownMinutes) * time.Minute; floor > 0 {
		if floorErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("group send time for %s: %v", key.orgName, floorErr))
			result.Skipped += len(tasks)
			return
		}
		if lastGroupSent != nil && now.Sub(*lastGroupSent) < floor {
			result.Skipped += len(tasks)
			return
		}
	}

	live, stale := m.splitLive(key, tasks, byOrder, escalatedByOrg)
	for _, task := range stale {
		if err := m.tasks.MarkCancelled(ctx, task.ID, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cancel task %d: %v", task.ID, err))
			continue
		}
		result.Cancelled++
	}
	if len(live) == 0 {
		return
	}

	// One rendered message covers the whole batch.
	batch := make([]*entities.Opportunity, 0)
	for _, task := range live {
		if key.typ == entities.NotificationEscalation {
			batch = append(batch, escalatedByOrg[key.orgName]...)
		} else {
			batch = append(batch, byOrder[task.OrderNum])
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].OrderNum < batch[j].OrderNum })

	var mentions []string
	if key.typ == entities.NotificationEscalation {
		mentions = m.settings.GetStringSlice(mentionsKey)
	}
	f := formatter.New(m.settings.GetInt(maxListedKey, formatter.DefaultMaxListedOrders)).
		WithClock(m.now)
	message := f.Format(key.typ, key.orgName, batch, mentions)

	// The rendered text is stored before the delivery attempt, so a failed
	// send still records what would have gone out.
	for _, task := range live {
		if err := m.tasks.SetMessage(ctx, task.ID, message, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("store message for task %d: %v", task.ID, err))
		}
	}

	res := m.client.Send(ctx, group.WebhookURL, message, mentions)
	for _, task := range live {
		m.settleTask(ctx, task, key.typ, message, res, runID, now, result)
	}
	if key.typ == entities.NotificationEscalation && res.Outcome == webhook.OutcomeSent {
		result.Escalated += len(live)
	}
}

// resolveGroup routes escalations to the internal ops group and everything
// else to the organization's own group.
func (m *Manager) resolveGroup(ctx context.Context, key groupKey) (*entities.GroupConfig, error) {
	if key.typ == entities.NotificationEscalation {
		return m.groups.GetByID(ctx, entities.InternalOpsGroupID)
	}
	return m.groups.GetByOrgName(ctx, key.orgName)
}

// splitLive separates tasks still backed by the snapshot from tasks whose
// underlying work has been resolved.
func (m *Manager) splitLive(
	key groupKey,
	tasks []*entities.NotificationTask,
	byOrder map[string]*entities.Opportunity,
	escalatedByOrg map[string][]*entities.Opportunity,
) (live, stale []*entities.NotificationTask) {
	for _, task := range tasks {
		backed := false
		if key.typ == entities.NotificationEscalation {
			backed = len(escalatedByOrg[key.orgName]) > 0
		} else {
			backed = byOrder[task.OrderNum] != nil
		}
		if backed {
			live = append(live, task)
		} else {
			stale = append(stale, task)
		}
	}
	return live, stale
}

// settleTask translates one delivery result into the task state machine.
func (m *Manager) settleTask(
	ctx context.Context,
	task *entities.NotificationTask,
	typ entities.NotificationType,
	message string,
	res webhook.Result,
	runID int64,
	now time.Time,
	result *ExecutionResult,
) {
	switch res.Outcome {
	case webhook.OutcomeSent:
		if err := m.tasks.MarkSent(ctx, task.ID, message, runID, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark task %d sent: %v", task.ID, err))
			return
		}
		result.Sent++
		metrics.NotificationsDispatched.WithLabelValues(string(typ), "sent").Inc()
	case webhook.OutcomeTransient:
		status, err := m.tasks.RecordRetry(ctx, task.ID, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record retry for task %d: %v", task.ID, err))
			return
		}
		if status == entities.TaskFailed {
			result.Failed++
			metrics.NotificationsDispatched.WithLabelValues(string(typ), "failed").Inc()
		} else {
			result.Skipped++
			metrics.NotificationsDispatched.WithLabelValues(string(typ), "retry").Inc()
		}
		result.Errors = append(result.Errors,
			apperrors.Wrap(res.Err, apperrors.CodeWebhookTransient, fmt.Sprintf("task %d delivery failed", task.ID)).Error())
	case webhook.OutcomePermanent:
		if err := m.tasks.MarkFailed(ctx, task.ID, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark task %d failed: %v", task.ID, err))
			return
		}
		result.Failed++
		metrics.NotificationsDispatched.WithLabelValues(string(typ), "failed").Inc()
		result.Errors = append(result.Errors,
			apperrors.Wrap(res.Err, apperrors.CodeWebhookPermanent, fmt.Sprintf("task %d rejected", task.ID)).Error())
	}
}

// CleanupOldTasks removes terminal tasks older than the retention window.
func (m *Manager) CleanupOldTasks(ctx context.Context, retention time.Duration) (int64, error) {
	return m.tasks.DeleteOlderThan(ctx, m.now().Add(-retention))
}
