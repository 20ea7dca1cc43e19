package job

import (
	"context"
	"time"

	"github.com/ignite/dripline/internal/domain"
)

// Store defines the data access contract for jobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns a single job. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Save writes every mutable column of j. Last writer wins.
	Save(ctx context.Context, j *domain.Job) error

	// FindDueJobs returns up to limit scheduled jobs with scheduled_at <= now
	// that sort after the cursor, ordered by (scheduled_at, step, id) and
	// joined with their campaign status and destination address. Jobs of
	// draft or paused campaigns are left out. Jobs whose enrollment or
	// campaign is gone are still returned, with empty CampaignID/Destination.
	// A nil cursor starts from the beginning; limit <= 0 means no limit.
	FindDueJobs(ctx context.Context, now time.Time, after *DueCursor, limit int) ([]domain.DueJob, error)

	// FindForStep returns the job of the enrollment at exactly step, or nil
	// when there is none.
	FindForStep(ctx context.Context, enrollmentID string, step int) (*domain.Job, error)

	// ExistsForStep reports whether a job exists for (enrollment, step).
	ExistsForStep(ctx context.Context, enrollmentID string, step int) (bool, error)

	// CreateIfAbsent inserts j unless a job for (enrollment, step) already
	// exists. Returns whether a row was inserted.
	CreateIfAbsent(ctx context.Context, j *domain.Job) (bool, error)

	// List returns jobs matching the filter ordered by scheduled_at, step.
	List(ctx context.Context, f ListFilter) ([]domain.Job, int, error)

	// Stats returns the dashboard counters. "Sent today" counts jobs with
	// sent_at >= since.
	Stats(ctx context.Context, since time.Time) (*domain.DashboardStats, error)
}

// ListFilter controls pagination and filtering for job lists.
type ListFilter struct {
	CampaignID string
	Status     domain.JobStatus
	Limit      int
	Offset     int
}

// DueCursor is a keyset position in the due-job ordering.
type DueCursor struct {
	ScheduledAt time.Time
	Step        int
	ID          string
}

// CursorAfter returns a cursor that resumes the scan after j.
func CursorAfter(j *domain.Job) *DueCursor {
	return &DueCursor{ScheduledAt: j.ScheduledAt, Step: j.Step, ID: j.ID}
}

// Covers reports whether j sorts at or before the cursor position.
func (c *DueCursor) Covers(j *domain.Job) bool {
	if !j.ScheduledAt.Equal(c.ScheduledAt) {
		return j.ScheduledAt.Before(c.ScheduledAt)
	}
	if j.Step != c.Step {
		return j.Step < c.Step
	}
	return j.ID <= c.ID
}
