package model

import "time"

// JobState is the lifecycle state of a delivery job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// DeliveryJob is a deferred reminder notification.
type DeliveryJob struct {
	JobID           string     `json:"job_id"`
	SubjectID       string     `json:"subject_id"`
	UserID          string     `json:"user_id"`
	Title           string     `json:"title"`
	Phone           string     `json:"phone"`
	Timezone        string     `json:"timezone,omitempty"`
	LeadTimeMinutes int        `json:"lead_time_minutes"`
	DueAt           time.Time  `json:"due_at"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
	RunAt           time.Time  `json:"run_at"`
	State           JobState   `json:"state"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Terminal reports whether the job will never run again.
func (j DeliveryJob) Terminal() bool {
	return j.State == JobCompleted || j.State == JobFailed
}
