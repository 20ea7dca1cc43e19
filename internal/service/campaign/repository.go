package campaign

import (
	"context"
	"time"

	"github.com/ignite/dripline/internal/domain"
)

// Repository defines the data access contract for campaigns, their steps,
// contacts and enrollments. Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// UpdateStatus sets status and, when launchedAt is non-nil, launched_at.
	UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, launchedAt *time.Time) error

	// FindStepsOrdered returns the campaign's step definitions by step number.
	FindStepsOrdered(ctx context.Context, campaignID string) ([]domain.StepDefinition, error)

	// UpsertStep creates or replaces the definition for (campaign, step).
	UpsertStep(ctx context.Context, s *domain.StepDefinition) error

	// FindEnrollments returns the campaign's enrollments with Contact populated.
	FindEnrollments(ctx context.Context, campaignID string) ([]domain.Enrollment, error)

	// Enroll links a contact to a campaign. Enrolling twice returns the
	// existing enrollment.
	Enroll(ctx context.Context, campaignID, contactID string) (*domain.Enrollment, error)

	// UpsertContact inserts a contact or updates the one with the same email.
	// The stored contact (with its ID) is returned.
	UpsertContact(ctx context.Context, c *domain.Contact) (*domain.Contact, error)
}

// JobStore is the part of the job table the planner writes to.
type JobStore interface {
	ExistsForStep(ctx context.Context, enrollmentID string, step int) (bool, error)
	CreateIfAbsent(ctx context.Context, j *domain.Job) (bool, error)
}

// Renderer resolves template tokens against contact data.
type Renderer interface {
	Render(tmpl string, data map[string]string) string
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status domain.CampaignStatus
	Limit  int
	Offset int
}
