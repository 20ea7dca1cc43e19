package job

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/dripline/internal/domain"
)

// Service implements operator actions on jobs.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a job service backed by the given store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns a single job.
func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// ListByCampaign returns the jobs of one campaign, optionally filtered by
// status. An empty campaignID lists jobs of every campaign.
func (s *Service) ListByCampaign(ctx context.Context, campaignID string, status domain.JobStatus, limit, offset int) ([]domain.Job, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidState, status)
	}
	return s.store.List(ctx, ListFilter{CampaignID: campaignID, Status: status, Limit: limit, Offset: offset})
}

// Retry puts a failed job back into the dispatch pipeline, due immediately.
// Jobs in any other state are rejected with ErrInvalidState.
func (s *Service) Retry(ctx context.Context, id string) (*domain.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := j.Reschedule(s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := s.store.Save(ctx, j); err != nil {
		return nil, fmt.Errorf("save retried job: %w", err)
	}
	log.Printf("[job.Service] Job %s (step %d) rescheduled for retry", j.ID, j.Step)
	return j, nil
}

// Stats returns the dashboard counters. "Today" starts at UTC midnight.
func (s *Service) Stats(ctx context.Context) (*domain.DashboardStats, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.store.Stats(ctx, midnight)
}
