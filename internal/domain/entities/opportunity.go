package entities

import (
	"strings"
	"time"
)

// OpportunityStatus is the workflow state of a field-service work order.
type OpportunityStatus string

const (
	StatusPendingAppointment     OpportunityStatus = "pending_appointment"
	StatusTemporarilyNotVisiting OpportunityStatus = "temporarily_not_visiting"
)

// rawStatusAliases maps upstream report labels onto the canonical enum.
// The analytics service emits the operator-facing Chinese labels.
var rawStatusAliases = map[string]OpportunityStatus{
	"待预约":                      StatusPendingAppointment,
	"暂不上门":                     StatusTemporarilyNotVisiting,
	"pending_appointment":      StatusPendingAppointment,
	"temporarily_not_visiting": StatusTemporarilyNotVisiting,
}

// ParseOpportunityStatus normalizes a raw report status. Unknown statuses
// pass through unchanged; they are simply not monitored.
func ParseOpportunityStatus(raw string) OpportunityStatus {
	if s, ok := rawStatusAliases[strings.TrimSpace(raw)]; ok {
		return s
	}
	return OpportunityStatus(strings.TrimSpace(raw))
}

// Monitored reports whether opportunities in this status are subject to
// SLA evaluation.
func (s OpportunityStatus) Monitored() bool {
	return s == StatusPendingAppointment || s == StatusTemporarilyNotVisiting
}

// Opportunity is one open field-service work order under monitoring.
//
// The derived fields below the raw attributes are never trusted across
// runs: the SLA evaluator recomputes them against the current clock each
// time the opportunity is loaded.
type Opportunity struct {
	OrderNum       string            `db:"order_num" json:"order_num"`
	Name           string            `db:"name" json:"name"`
	Address        string            `db:"address" json:"address"`
	SupervisorName string            `db:"supervisor_name" json:"supervisor_name"`
	OrgName        string            `db:"org_name" json:"org_name"`
	OrderStatus    OpportunityStatus `db:"order_status" json:"order_status"`
	CreateTime     time.Time         `db:"create_time" json:"create_time"`
	LastUpdated    time.Time         `db:"last_updated" json:"last_updated"`

	// Derived by the SLA evaluator, not persisted.
	ElapsedBusinessHours   float64 `db:"-" json:"elapsed_business_hours"`
	IsViolation            bool    `db:"-" json:"is_violation"`
	IsOverdue              bool    `db:"-" json:"is_overdue"`
	EscalationLevel        int     `db:"-" json:"escalation_level"`
	SLAProgressRatio       float64 `db:"-" json:"sla_progress_ratio"`
	StandardThresholdHours float64 `db:"-" json:"standard_threshold_hours"`
}

// IsApproachingOverdue reports whether the opportunity has consumed 80% or
// more of its standard SLA budget without being overdue yet.
func (o *Opportunity) IsApproachingOverdue() bool {
	return o.SLAProgressRatio >= 0.8 && o.SLAProgressRatio < 1.0
}
