// Package sla classifies opportunities against per-status deadline
// thresholds measured in business hours.
package sla

import (
	"time"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/internal/domain/services/businesstime"
	"github.com/fieldops/fsoa-service/pkg/apperrors"
)

// Thresholds are the three deadline tiers for one opportunity status, in
// business hours. Violation must not exceed Standard, and Standard must not
// exceed Escalation.
type Thresholds struct {
	Violation  float64 `json:"violation_hours"`
	Standard   float64 `json:"standard_hours"`
	Escalation float64 `json:"escalation_hours"`
}

func (t Thresholds) valid() bool {
	return t.Violation > 0 && t.Violation <= t.Standard && t.Standard <= t.Escalation
}

// DefaultThresholds carries the stock deadline policy per monitored status.
var DefaultThresholds = map[entities.OpportunityStatus]Thresholds{
	entities.StatusPendingAppointment:     {Violation: 12, Standard: 24, Escalation: 48},
	entities.StatusTemporarilyNotVisiting: {Violation: 24, Standard: 48, Escalation: 72},
}

// Evaluation is the full classification of one opportunity at one instant.
type Evaluation struct {
	ElapsedBusinessHours   float64
	IsViolation            bool
	IsOverdue              bool
	EscalationLevel        int
	SLAProgressRatio       float64
	StandardThresholdHours float64
}

// Evaluator computes SLA state from a work calendar and a threshold table.
type Evaluator struct {
	calendar   *businesstime.Calendar
	thresholds map[entities.OpportunityStatus]Thresholds
}

// NewEvaluator builds an Evaluator. A nil thresholds map selects
// DefaultThresholds. Every threshold triple must be ordered
// violation <= standard <= escalation.
func NewEvaluator(cal *businesstime.Calendar, thresholds map[entities.OpportunityStatus]Thresholds) (*Evaluator, error) {
	if cal == nil {
		return nil, apperrors.New(apperrors.CodeBusinessLogic, "sla evaluator requires a work calendar")
	}
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	for status, t := range thresholds {
		if !t.valid() {
			return nil, apperrors.Newf(apperrors.CodeBusinessLogic,
				"misordered thresholds for status %q: violation=%.1f standard=%.1f escalation=%.1f",
				status, t.Violation, t.Standard, t.Escalation)
		}
	}
	return &Evaluator{calendar: cal, thresholds: thresholds}, nil
}

// ThresholdsFor returns the deadline tiers for a status, and whether the
// status is subject to SLA evaluation at all.
func (e *Evaluator) ThresholdsFor(status entities.OpportunityStatus) (Thresholds, bool) {
	t, ok := e.thresholds[status]
	return t, ok
}

// Calendar exposes the underlying work calendar.
func (e *Evaluator) Calendar() *businesstime.Calendar {
	return e.calendar
}

// Evaluate classifies one opportunity against the clock. Opportunities in a
// status without thresholds get a zero evaluation: not violated, not overdue.
func (e *Evaluator) Evaluate(opp *entities.Opportunity, now time.Time) Evaluation {
	t, ok := e.thresholds[opp.OrderStatus]
	if !ok {
		return Evaluation{}
	}

	elapsed := e.calendar.ElapsedBusinessHours(opp.CreateTime, now)
	ev := Evaluation{
		ElapsedBusinessHours:   elapsed,
		IsViolation:            elapsed >= t.Violation,
		IsOverdue:              elapsed >= t.Standard,
		SLAProgressRatio:       elapsed / t.Standard,
		StandardThresholdHours: t.Standard,
	}
	if elapsed >= t.Escalation {
		ev.EscalationLevel = 1
	}
	return ev
}

// Apply runs Evaluate and writes the result onto the opportunity's derived
// fields in place.
func (e *Evaluator) Apply(opp *entities.Opportunity, now time.Time) {
	ev := e.Evaluate(opp, now)
	opp.ElapsedBusinessHours = ev.ElapsedBusinessHours
	opp.IsViolation = ev.IsViolation
	opp.IsOverdue = ev.IsOverdue
	opp.EscalationLevel = ev.EscalationLevel
	opp.SLAProgressRatio = ev.SLAProgressRatio
	opp.StandardThresholdHours = ev.StandardThresholdHours
}

// ApplyAll evaluates a batch in place.
func (e *Evaluator) ApplyAll(opps []*entities.Opportunity, now time.Time) {
	for _, opp := range opps {
		e.Apply(opp, now)
	}
}
