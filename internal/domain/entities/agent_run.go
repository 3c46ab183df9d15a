package entities

import "time"

// RunStatus is the lifecycle state of one scheduled agent execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Step outcome values recorded on StepTrace.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// AgentRun records one scheduled execution of the pipeline.
type AgentRun struct {
	ID          int64      `db:"id" json:"id"`
	TriggerTime time.Time  `db:"trigger_time" json:"trigger_time"`
	EndTime     *time.Time `db:"end_time" json:"end_time,omitempty"`
	Status      RunStatus  `db:"status" json:"status"`

	Context map[string]interface{} `db:"-" json:"context"`
	Errors  []string               `db:"-" json:"errors"`

	OpportunitiesProcessed int `db:"opportunities_processed" json:"opportunities_processed"`
	NotificationsSent      int `db:"notifications_sent" json:"notifications_sent"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StepTrace records one sub-operation of a run with timing and outcome.
type StepTrace struct {
	ID       int64     `db:"id" json:"id"`
	RunID    int64     `db:"run_id" json:"run_id"`
	StepName string    `db:"step_name" json:"step_name"`
	Start    time.Time `db:"start_time" json:"start"`
	End      time.Time `db:"end_time" json:"end"`
	Outcome  string    `db:"outcome" json:"outcome"`

	Payload      map[string]interface{} `db:"-" json:"payload"`
	ErrorMessage *string                `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DurationSeconds is the wall-clock duration of the step.
func (s *StepTrace) DurationSeconds() float64 {
	return s.End.Sub(s.Start).Seconds()
}

// RunStatistics aggregates run outcomes over a window.
type RunStatistics struct {
	TotalRuns              int     `json:"total_runs"`
	SuccessfulRuns         int     `json:"successful_runs"`
	FailedRuns             int     `json:"failed_runs"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}

// StepPerformance aggregates step outcomes for one step name.
type StepPerformance struct {
	StepName               string  `json:"step_name"`
	TotalExecutions        int     `json:"total"`
	SuccessfulExecutions   int     `json:"successful"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}
