package domain

import (
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle of a single step send.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobSent      JobStatus = "sent"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// MaxImportedStep bounds the step number of directly imported jobs.
const MaxImportedStep = 7

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobScheduled, JobSent, JobFailed, JobSkipped:
		return true
	}
	return false
}

// Job is one scheduled send of one step to one enrolled contact. Subject and
// Body are resolved when the job is created and never re-rendered.
type Job struct {
	ID           string     `json:"id" db:"id"`
	EnrollmentID string     `json:"enrollment_id" db:"enrollment_id"`
	Step         int        `json:"step" db:"step"`
	Subject      string     `json:"subject" db:"subject"`
	Body         string     `json:"body" db:"body"`
	ScheduledAt  time.Time  `json:"scheduled_at" db:"scheduled_at"`
	Status       JobStatus  `json:"status" db:"status"`
	SentAt       *time.Time `json:"sent_at" db:"sent_at"`
	ErrorMessage *string    `json:"error_message" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// MarkSent records a successful send.
func (j *Job) MarkSent(at time.Time) {
	j.Status = JobSent
	j.SentAt = &at
	j.ErrorMessage = nil
	j.UpdatedAt = at
}

// MarkFailed records a failed send with its reason.
func (j *Job) MarkFailed(at time.Time, reason string) {
	j.Status = JobFailed
	j.SentAt = nil
	j.ErrorMessage = &reason
	j.UpdatedAt = at
}

// Reschedule puts a failed job back in the dispatch pipeline, due at.
func (j *Job) Reschedule(at time.Time) error {
	if j.Status != JobFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", j.ID, j.Status)
	}
	j.Status = JobScheduled
	j.ScheduledAt = at
	j.SentAt = nil
	j.ErrorMessage = nil
	j.UpdatedAt = at
	return nil
}

// CheckInvariants validates the status-dependent fields of the job.
func (j *Job) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("unknown job status %q", j.Status)
	}
	if j.Step < 1 {
		return fmt.Errorf("step must be >= 1, got %d", j.Step)
	}
	if (j.Status == JobSent) != (j.SentAt != nil) {
		return fmt.Errorf("sent_at must be set exactly when status is sent (status=%s)", j.Status)
	}
	if (j.Status == JobFailed) != (j.ErrorMessage != nil) {
		return fmt.Errorf("error_message must be set exactly when status is failed (status=%s)", j.Status)
	}
	return nil
}

// DueJob is a scheduled job joined with what the dispatcher needs to decide
// whether and where to send it. CampaignID and Destination are empty when the
// owning enrollment or campaign no longer exists.
type DueJob struct {
	Job
	CampaignID     string         `json:"campaign_id"`
	CampaignStatus CampaignStatus `json:"campaign_status"`
	Destination    string         `json:"destination"`
}

// Orphaned reports whether the job's enrollment or campaign is missing.
func (d *DueJob) Orphaned() bool {
	return d.CampaignID == "" || d.Destination == ""
}

// DashboardStats are the counters shown on the operator dashboard.
type DashboardStats struct {
	TotalCampaigns  int `json:"total_campaigns"`
	ActiveCampaigns int `json:"active_campaigns"`
	DraftCampaigns  int `json:"draft_campaigns"`
	TotalContacts   int `json:"total_contacts"`
	EmailsSentToday int `json:"emails_sent_today"`
	EmailsScheduled int `json:"emails_scheduled"`
	EmailsFailed    int `json:"emails_failed"`
	TotalEmailsSent int `json:"total_emails_sent"`
}
