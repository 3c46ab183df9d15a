package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/internal/domain/services/businesstime"
)

func utcCalendar(t *testing.T) *businesstime.Calendar {
	t.Helper()
	cal, err := businesstime.NewCalendar(businesstime.Config{
		WorkStartHour: 9,
		WorkEndHour:   19,
		WorkDays:      []int{1, 2, 3, 4, 5},
		Location:      time.UTC,
	})
	require.NoError(t, err)
	return cal
}

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(utcCalendar(t), nil)
	require.NoError(t, err)
	return ev
}

// opp creates a pending-appointment opportunity elapsed business hours before
// now. The anchor is Monday 2025-06-02 09:00 so the whole span stays inside a
// single work week for hours <= 50.
func opp(status entities.OpportunityStatus, elapsed float64) (*entities.Opportunity, time.Time) {
	created := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	cal, _ := businesstime.NewCalendar(businesstime.Config{
		WorkStartHour: 9, WorkEndHour: 19, WorkDays: []int{1, 2, 3, 4, 5}, Location: time.UTC,
	})
	now := cal.AddBusinessHours(created, elapsed)
	return &entities.Opportunity{
		OrderNum:    "GD20250602001",
		OrgName:     "North Region",
		OrderStatus: status,
		CreateTime:  created,
	}, now
}

func TestNewEvaluatorRejectsMisorderedThresholds(t *testing.T) {
	_, err := NewEvaluator(utcCalendar(t), map[entities.OpportunityStatus]Thresholds{
		entities.StatusPendingAppointment: {Violation: 30, Standard: 24, Escalation: 48},
	})
	assert.Error(t, err)

	_, err = NewEvaluator(nil, nil)
	assert.Error(t, err)
}

func TestEvaluatePendingAppointmentTiers(t *testing.T) {
	ev := newEvaluator(t)

	cases := []struct {
		name       string
		elapsed    float64
		violation  bool
		overdue    bool
		escalation int
	}{
		{"fresh", 1, false, false, 0},
		{"just under violation", 11.5, false, false, 0},
		{"at violation boundary", 12, true, false, 0},
		{"between tiers", 20, true, false, 0},
		{"at standard boundary", 24, true, true, 0},
		{"overdue", 30, true, true, 0},
		{"at escalation boundary", 48, true, true, 1},
		{"deep escalation", 50, true, true, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, now := opp(entities.StatusPendingAppointment, tc.elapsed)
			got := ev.Evaluate(o, now)
			assert.InDelta(t, tc.elapsed, got.ElapsedBusinessHours, 1e-6)
			assert.Equal(t, tc.violation, got.IsViolation)
			assert.Equal(t, tc.overdue, got.IsOverdue)
			assert.Equal(t, tc.escalation, got.EscalationLevel)
			assert.InDelta(t, tc.elapsed/24.0, got.SLAProgressRatio, 1e-6)
		})
	}
}

func TestEvaluateTemporarilyNotVisitingUsesLooserTiers(t *testing.T) {
	ev := newEvaluator(t)

	// 20 elapsed hours violate pending-appointment but not this status.
	o, now := opp(entities.StatusTemporarilyNotVisiting, 20)
	got := ev.Evaluate(o, now)
	assert.False(t, got.IsViolation)
	assert.False(t, got.IsOverdue)

	o, now = opp(entities.StatusTemporarilyNotVisiting, 48)
	got = ev.Evaluate(o, now)
	assert.True(t, got.IsViolation)
	assert.True(t, got.IsOverdue)
	assert.Zero(t, got.EscalationLevel)
	assert.InDelta(t, 1.0, got.SLAProgressRatio, 1e-6)
}

func TestEvaluateUnmonitoredStatusIsZero(t *testing.T) {
	ev := newEvaluator(t)

	o, now := opp(entities.OpportunityStatus("completed"), 100)
	got := ev.Evaluate(o, now)
	assert.Zero(t, got.ElapsedBusinessHours)
	assert.False(t, got.IsViolation)
	assert.False(t, got.IsOverdue)
	assert.Zero(t, got.SLAProgressRatio)
}

func TestApplyWritesDerivedFields(t *testing.T) {
	ev := newEvaluator(t)

	o, now := opp(entities.StatusPendingAppointment, 20)
	ev.Apply(o, now)
	assert.InDelta(t, 20.0, o.ElapsedBusinessHours, 1e-6)
	assert.True(t, o.IsViolation)
	assert.False(t, o.IsOverdue)
	assert.True(t, o.IsApproachingOverdue())
	assert.InDelta(t, 24.0, o.StandardThresholdHours, 1e-6)

	overdue, now2 := opp(entities.StatusPendingAppointment, 25)
	ev.Apply(overdue, now2)
	assert.True(t, overdue.IsOverdue)
	assert.False(t, overdue.IsApproachingOverdue())
}

func TestThresholdsFor(t *testing.T) {
	ev := newEvaluator(t)

	th, ok := ev.ThresholdsFor(entities.StatusPendingAppointment)
	require.True(t, ok)
	assert.Equal(t, Thresholds{Violation: 12, Standard: 24, Escalation: 48}, th)

	_, ok = ev.ThresholdsFor(entities.OpportunityStatus("completed"))
	assert.False(t, ok)
}
