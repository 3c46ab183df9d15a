package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/internal/agent/datastrategy"
	"github.com/fieldops/fsoa-service/internal/agent/notifier"
	"github.com/fieldops/fsoa-service/internal/agent/tracker"
	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/internal/domain/services/businesstime"
	"github.com/fieldops/fsoa-service/internal/domain/services/sla"
	"github.com/fieldops/fsoa-service/internal/notification/webhook"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
)

// In-memory implementations of every persistence surface, enough to run the
// whole pipeline end to end.

type memFetcher struct {
	opps []*entities.Opportunity
	err  error
}

func (f *memFetcher) FetchMonitoredOpportunities(context.Context) ([]*entities.Opportunity, error) {
	return f.opps, f.err
}

type memCache struct {
	opps        []*entities.Opportunity
	refreshedAt time.Time
}

func (c *memCache) ReplaceAll(_ context.Context, opps []*entities.Opportunity, at time.Time) error {
	c.opps, c.refreshedAt = opps, at
	return nil
}

func (c *memCache) GetAll(context.Context) ([]*entities.Opportunity, error) {
	return c.opps, nil
}

func (c *memCache) LastRefreshed(context.Context) (time.Time, error) {
	return c.refreshedAt, nil
}

func (c *memCache) Count(context.Context) (int, error) {
	return len(c.opps), nil
}

func (c *memCache) DeleteAll(context.Context) error {
	c.opps, c.refreshedAt = nil, time.Time{}
	return nil
}

type memSettings struct{}

func (memSettings) GetInt(_ string, fallback int) int           { return fallback }
func (memSettings) GetFloat(_ string, fallback float64) float64 { return fallback }
func (memSettings) GetStringSlice(string) []string              { return nil }

type memTaskStore struct {
	mu     sync.Mutex
	tasks  map[int64]*entities.NotificationTask
	nextID int64
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[int64]*entities.NotificationTask)}
}

func (s *memTaskStore) Create(_ context.Context, task *entities.NotificationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task.ID = s.nextID
	task.Status = entities.TaskPending
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *memTaskStore) GetPending(context.Context) ([]*entities.NotificationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.NotificationTask
	for id := int64(1); id <= s.nextID; id++ {
		if t, ok := s.tasks[id]; ok && t.Status == entities.TaskPending {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memTaskStore) HasPending(_ context.Context, orderNum string, typ entities.NotificationType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.OrderNum == orderNum && t.NotificationType == typ && t.Status == entities.TaskPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *memTaskStore) LastSentAt(_ context.Context, orderNum string, typ entities.NotificationType) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, t := range s.tasks {
		if t.OrderNum == orderNum && t.NotificationType == typ && t.LastSentAt != nil {
			if last == nil || t.LastSentAt.After(*last) {
				last = t.LastSentAt
			}
		}
	}
	return last, nil
}

func (s *memTaskStore) LastGroupSentAt(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (s *memTaskStore) SetMessage(_ context.Context, taskID int64, message string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	if t.Message == nil {
		copied := message
		t.Message = &copied
	}
	return nil
}

func (s *memTaskStore) MarkSent(_ context.Context, taskID int64, message string, runID int64, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.Status = entities.TaskSent
	t.Message = &message
	t.SentAt = &sentAt
	t.LastSentAt = &sentAt
	t.SentRunID = &runID
	return nil
}

func (s *memTaskStore) RecordRetry(_ context.Context, taskID int64, _ time.Time) (entities.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.RetryCount++
	if t.RetryCount >= t.MaxRetryCount {
		t.Status = entities.TaskFailed
	}
	return t.Status, nil
}

func (s *memTaskStore) MarkFailed(_ context.Context, taskID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID].Status = entities.TaskFailed
	return nil
}

func (s *memTaskStore) MarkCancelled(_ context.Context, taskID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID].Status = entities.TaskCancelled
	return nil
}

func (s *memTaskStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type memGroupStore struct {
	groups map[string]*entities.GroupConfig
}

func (s *memGroupStore) GetByID(_ context.Context, id string) (*entities.GroupConfig, error) {
	return s.groups[id], nil
}

func (s *memGroupStore) GetByOrgName(_ context.Context, org string) (*entities.GroupConfig, error) {
	return s.groups[org], nil
}

type memRunStore struct {
	mu     sync.Mutex
	runs   map[int64]*entities.AgentRun
	steps  []*entities.StepTrace
	nextID int64
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[int64]*entities.AgentRun)}
}

func (s *memRunStore) CreateRun(_ context.Context, run *entities.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	run.ID = s.nextID
	run.Status = entities.RunRunning
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memRunStore) FinishRun(_ context.Context, run *entities.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memRunStore) GetRunning(context.Context) (*entities.AgentRun, error) { return nil, nil }

func (s *memRunStore) GetByID(_ context.Context, id int64) (*entities.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id], nil
}

func (s *memRunStore) ListRecent(context.Context, int) ([]*entities.AgentRun, error) {
	return nil, nil
}

func (s *memRunStore) AddStep(_ context.Context, step *entities.StepTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *step
	s.steps = append(s.steps, &copied)
	return nil
}

func (s *memRunStore) GetSteps(context.Context, int64) ([]*entities.StepTrace, error) {
	return nil, nil
}

func (s *memRunStore) Statistics(context.Context, int) (*entities.RunStatistics, error) {
	return &entities.RunStatistics{}, nil
}

func (s *memRunStore) StepPerformance(context.Context, int) ([]*entities.StepPerformance, error) {
	return nil, nil
}

func (s *memRunStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type harness struct {
	orch    *Orchestrator
	fetcher *memFetcher
	tasks   *memTaskStore
	runs    *memRunStore
	client  *webhook.NoopClient
}

func newHarness(t *testing.T, now time.Time, opps []*entities.Opportunity) *harness {
	t.Helper()
	cal, err := businesstime.NewCalendar(businesstime.Config{
		WorkStartHour: 9, WorkEndHour: 19, WorkDays: []int{1, 2, 3, 4, 5}, Location: time.UTC,
	})
	require.NoError(t, err)
	evaluator, err := sla.NewEvaluator(cal, nil)
	require.NoError(t, err)

	fetcher := &memFetcher{opps: opps}
	strategy := datastrategy.NewStrategy(fetcher, &memCache{}, memSettings{}, evaluator, zap.NewNop()).
		WithClock(func() time.Time { return now })

	tasks := newMemTaskStore()
	groups := &memGroupStore{groups: map[string]*entities.GroupConfig{
		entities.InternalOpsGroupID: {GroupID: entities.InternalOpsGroupID, WebhookURL: "http://hooks/ops", Enabled: true},
		"North":                     {GroupID: "North", Name: "North", WebhookURL: "http://hooks/north", Enabled: true},
	}}
	client := webhook.NewNoopClient()
	manager := notifier.NewManager(tasks, groups, memSettings{}, client, zap.NewNop()).
		WithClock(func() time.Time { return now })

	runs := newMemRunStore()
	runTracker := tracker.NewTracker(runs, zap.NewNop()).
		WithClock(func() time.Time { return now })

	orch := New(strategy, evaluator, manager, runTracker, zap.NewNop()).
		WithClock(func() time.Time { return now })
	return &harness{orch: orch, fetcher: fetcher, tasks: tasks, runs: runs, client: client}
}

// Monday 2025-06-02 09:00 plus 30 business hours lands Thursday; the order
// is overdue for pending appointment but not yet escalated.
func overdueFixture() ([]*entities.Opportunity, time.Time) {
	created := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC) // 30 business hours later
	return []*entities.Opportunity{{
		OrderNum:    "GD001",
		Name:        "客户甲",
		OrgName:     "North",
		OrderStatus: entities.StatusPendingAppointment,
		CreateTime:  created,
	}}, now
}

func TestExecuteFullPipeline(t *testing.T) {
	opps, now := overdueFixture()
	h := newHarness(t, now, opps)

	report, err := h.orch.Execute(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.OpportunitiesProcessed)
	// An order past both deadlines carries a violation task and a standard
	// task.
	assert.Equal(t, 2, report.TasksCreated)
	assert.Equal(t, 2, report.NotificationsSent)
	assert.Contains(t, report.ExecutionID, "exec_")

	run := h.runs.runs[report.RunID]
	assert.Equal(t, entities.RunCompleted, run.Status)
	assert.Equal(t, 2, run.NotificationsSent)

	names := make([]string, len(h.runs.steps))
	for i, s := range h.runs.steps {
		names[i] = s.StepName
	}
	assert.Equal(t, []string{StepFetchOpportunities, StepEvaluate, StepCreateTasks, StepExecuteTasks}, names)

	require.Len(t, h.client.Messages(), 2)
	for _, msg := range h.client.Messages() {
		assert.Contains(t, msg.Content, "GD001")
	}
}

func TestExecuteDryRunSendsNothing(t *testing.T) {
	opps, now := overdueFixture()
	h := newHarness(t, now, opps)

	report, err := h.orch.Execute(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.NotificationsSent)
	require.Len(t, report.DryRunMessages, 2)
	for _, msg := range report.DryRunMessages {
		assert.Contains(t, msg.Content, "GD001")
	}

	// The real client never fired, but the run and its tasks are real.
	assert.Empty(t, h.client.Messages())
	assert.Equal(t, entities.RunCompleted, h.runs.runs[report.RunID].Status)
	for _, task := range h.tasks.tasks {
		assert.Equal(t, entities.TaskSent, task.Status)
	}
}

func TestExecuteFetchFailureFailsRun(t *testing.T) {
	opps, now := overdueFixture()
	h := newHarness(t, now, opps)
	h.fetcher.err = errors.New("analytics down")
	h.fetcher.opps = nil

	report, err := h.orch.Execute(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, entities.RunFailed, h.runs.runs[report.RunID].Status)
	assert.NotEmpty(t, report.Errors)
}

func TestExecuteCancelledRunClassified(t *testing.T) {
	opps, now := overdueFixture()
	h := newHarness(t, now, opps)
	h.fetcher.err = context.Canceled
	h.fetcher.opps = nil

	report, err := h.orch.Execute(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCancelled, apperrors.CodeOf(err))
	assert.Equal(t, entities.RunFailed, h.runs.runs[report.RunID].Status)
}

func TestExecuteSkipsWhenRunInFlight(t *testing.T) {
	opps, now := overdueFixture()
	h := newHarness(t, now, opps)

	// Occupy the tracker with a long-lived run.
	var wg sync.WaitGroup
	started := make(chan struct{})
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.orch.tracker.StartRun(context.Background(), nil)
		close(started)
		<-release
		h.orch.tracker.CompleteRun(context.Background())
	}()
	<-started

	report, err := h.orch.Execute(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, report.OpportunitiesProcessed)

	close(release)
	wg.Wait()
}

func TestExecutionIDFormat(t *testing.T) {
	at := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	id := newExecutionID(at)
	assert.Regexp(t, fmt.Sprintf("^exec_%s_[0-9a-f]{8}$", at.Format("20060102150405")), id)
}
