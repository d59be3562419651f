package schedule

import (
	"time"
)

// Type distinguishes a single execution from a repeating one.
type Type string

const (
	TypeOneShot   Type = "one_shot"
	TypeRecurring Type = "recurring"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// TargetSelector names the recipients of a schedule: either an explicit
// employee id list or filter criteria. An explicit list takes precedence
// when both are set.
type TargetSelector struct {
	EmployeeIDs []string `json:"employee_ids,omitempty"`
	Departments []string `json:"departments,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Schedule is a declarative send plan: what to send, to whom, and on what
// cadence. Schedules are owned by the HR dashboard; this service only reads
// them, advances their run bookkeeping, and completes one-shots.
type Schedule struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Type       Type           `json:"schedule_type"`
	Recurrence *Recurrence    `json:"recurrence,omitempty"`
	Target     TargetSelector `json:"target"`
	SurveyID   string         `json:"survey_id"`
	Question   string         `json:"question"`
	Status     Status         `json:"status"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
