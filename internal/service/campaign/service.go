package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/pkg/logger"
)

// Service implements campaign business logic: the operator transitions and
// the sequence planner that turns steps and enrollments into jobs.
// All public methods are safe for concurrent use if the underlying
// repositories are concurrency-safe.
type Service struct {
	repo     Repository
	jobs     JobStore
	renderer Renderer
	now      func() time.Time
}

// NewService creates a campaign service.
func NewService(repo Repository, jobs JobStore, renderer Renderer) *Service {
	return &Service{repo: repo, jobs: jobs, renderer: renderer, now: time.Now}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, f)
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name string `json:"name"`
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	now := s.now().UTC()
	c := &domain.Campaign{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    domain.CampaignDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// StepInput holds the fields of one step definition.
type StepInput struct {
	Step            int        `json:"step"`
	SubjectTemplate string     `json:"subject_template"`
	BodyTemplate    string     `json:"body_template"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
}

// UpsertStep creates or replaces one step of a campaign. Jobs already
// planned for that step keep their resolved content.
func (s *Service) UpsertStep(ctx context.Context, campaignID string, in StepInput) (*domain.StepDefinition, error) {
	if in.Step < 1 {
		return nil, fmt.Errorf("%w: step must be >= 1", ErrValidation)
	}
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign %s is completed", ErrInvalidState, campaignID)
	}
	step := &domain.StepDefinition{
		ID:              uuid.New().String(),
		CampaignID:      campaignID,
		Step:            in.Step,
		SubjectTemplate: in.SubjectTemplate,
		BodyTemplate:    in.BodyTemplate,
	}
	if in.ScheduledAt != nil {
		at := in.ScheduledAt.UTC()
		step.ScheduledAt = &at
	}
	if err := s.repo.UpsertStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// Steps returns the campaign's step definitions in order.
func (s *Service) Steps(ctx context.Context, campaignID string) ([]domain.StepDefinition, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.repo.FindStepsOrdered(ctx, campaignID)
}

// Enroll upserts the contacts by email and enrolls each into the campaign.
// Already-enrolled contacts are left as they are. Contacts enrolled after a
// launch receive their jobs when the campaign is launched again.
func (s *Service) Enroll(ctx context.Context, campaignID string, contacts []domain.Contact) ([]domain.Enrollment, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign %s is completed", ErrInvalidState, campaignID)
	}
	for i := range contacts {
		if !validEmail(contacts[i].Email) {
			return nil, fmt.Errorf("%w: contact %d has invalid email %q", ErrValidation, i, contacts[i].Email)
		}
	}

	out := make([]domain.Enrollment, 0, len(contacts))
	for i := range contacts {
		stored, err := s.repo.UpsertContact(ctx, &contacts[i])
		if err != nil {
			return out, fmt.Errorf("upsert contact: %w", err)
		}
		e, err := s.repo.Enroll(ctx, campaignID, stored.ID)
		if err != nil {
			return out, fmt.Errorf("enroll contact: %w", err)
		}
		e.Contact = stored
		out = append(out, *e)
	}
	return out, nil
}

// Launch plans one job per (enrollment, step) that does not have one yet
// and moves the campaign to active. Re-running it only fills gaps, so it is
// the way to plan jobs for contacts enrolled after the first launch.
func (s *Service) Launch(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign %s is completed", ErrValidation, campaignID)
	}

	steps, err := s.repo.FindStepsOrdered(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: campaign has no steps", ErrValidation)
	}
	for _, st := range steps {
		if st.ScheduledAt == nil {
			return nil, fmt.Errorf("%w: step %d has no scheduled time", ErrValidation, st.Step)
		}
	}

	enrollments, err := s.repo.FindEnrollments(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return nil, fmt.Errorf("%w: campaign has no enrolled contacts", ErrValidation)
	}

	now := s.now().UTC()
	created := 0
	for _, e := range enrollments {
		if e.Contact == nil {
			logger.Warn("enrollment without contact, not planned", "campaign_id", campaignID, "enrollment_id", e.ID)
			continue
		}
		data := e.Contact.TemplateData()
		for _, st := range steps {
			exists, err := s.jobs.ExistsForStep(ctx, e.ID, st.Step)
			if err != nil {
				return nil, fmt.Errorf("check job for step %d: %w", st.Step, err)
			}
			if exists {
				continue
			}
			j := &domain.Job{
				ID:           uuid.New().String(),
				EnrollmentID: e.ID,
				Step:         st.Step,
				Subject:      s.renderer.Render(st.SubjectTemplate, data),
				Body:         s.renderer.Render(st.BodyTemplate, data),
				ScheduledAt:  st.ScheduledAt.UTC(),
				Status:       domain.JobScheduled,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			ok, err := s.jobs.CreateIfAbsent(ctx, j)
			if err != nil {
				return nil, fmt.Errorf("create job for step %d: %w", st.Step, err)
			}
			if ok {
				created++
			}
		}
	}

	launchedAt := c.LaunchedAt
	if launchedAt == nil {
		launchedAt = &now
	}
	if err := s.repo.UpdateStatus(ctx, campaignID, domain.CampaignActive, launchedAt); err != nil {
		return nil, fmt.Errorf("activate campaign: %w", err)
	}
	c.Status = domain.CampaignActive
	c.LaunchedAt = launchedAt
	c.UpdatedAt = now

	log.Printf("[campaign.Service] Campaign %s launched: %d job(s) planned for %d enrollment(s) x %d step(s)",
		campaignID, created, len(enrollments), len(steps))
	return c, nil
}

// Pause holds every unsent job of an active campaign.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignPaused, domain.CampaignActive)
}

// Resume releases a paused campaign.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignActive, domain.CampaignPaused)
}

// Complete closes an active or paused campaign for good.
func (s *Service) Complete(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignCompleted, domain.CampaignActive, domain.CampaignPaused)
}

func (s *Service) transition(ctx context.Context, id string, to domain.CampaignStatus, from ...domain.CampaignStatus) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, f := range from {
		if c.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot move campaign from %s to %s", ErrInvalidState, c.Status, to)
	}
	if err := s.repo.UpdateStatus(ctx, id, to, nil); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	log.Printf("[campaign.Service] Campaign %s: %s -> %s", id, c.Status, to)
	c.Status = to
	c.UpdatedAt = s.now().UTC()
	return c, nil
}

// DirectJob is one imported per-contact step with its own content and send
// time.
type DirectJob struct {
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	Role        string            `json:"role"`
	Company     string            `json:"company"`
	Category    string            `json:"category"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Step        int               `json:"step"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ScheduledAt time.Time         `json:"scheduled_at"`
}

// ImportResult summarizes an ImportJobs call.
type ImportResult struct {
	Contacts  int      `json:"contacts"`
	Scheduled int      `json:"scheduled"`
	Skipped   int      `json:"skipped"`
	Existing  int      `json:"existing"`
	Errors    []string `json:"errors,omitempty"`
	Message   string   `json:"message"`
}

// ImportJobs creates jobs directly from per-contact rows, enrolling contacts
// as needed. A row scheduled before now becomes a skipped job so that it
// is recorded but never sent. Existing (enrollment, step) jobs are left
// untouched. A bad row is reported in the result and does not stop the
// import. A draft campaign becomes active once it has scheduled work.
func (s *Service) ImportJobs(ctx context.Context, campaignID string, rows []DirectJob) (*ImportResult, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign %s is completed", ErrInvalidState, campaignID)
	}

	now := s.now().UTC()
	res := &ImportResult{}
	enrolled := make(map[string]*domain.Enrollment) // by lower-cased email
	contacts := make(map[string]*domain.Contact)

	for i, row := range rows {
		rowNum := i + 1
		if err := validateDirectJob(row); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d (%s): %v", rowNum, row.Email, err))
			continue
		}
		key := strings.ToLower(strings.TrimSpace(row.Email))

		e, ok := enrolled[key]
		if !ok {
			contact, err := s.repo.UpsertContact(ctx, &domain.Contact{
				Email:      strings.TrimSpace(row.Email),
				Name:       row.Name,
				Role:       row.Role,
				Company:    row.Company,
				Category:   row.Category,
				Attributes: row.Attributes,
			})
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("row %d (%s): %v", rowNum, row.Email, err))
				continue
			}
			e, err = s.repo.Enroll(ctx, campaignID, contact.ID)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("row %d (%s): %v", rowNum, row.Email, err))
				continue
			}
			enrolled[key] = e
			contacts[key] = contact
			res.Contacts++
		}

		data := contacts[key].TemplateData()
		status := domain.JobScheduled
		if row.ScheduledAt.Before(now) {
			status = domain.JobSkipped
		}
		j := &domain.Job{
			ID:           uuid.New().String(),
			EnrollmentID: e.ID,
			Step:         row.Step,
			Subject:      s.renderer.Render(row.Subject, data),
			Body:         s.renderer.Render(row.Body, data),
			ScheduledAt:  row.ScheduledAt.UTC(),
			Status:       status,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		inserted, err := s.jobs.CreateIfAbsent(ctx, j)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d (%s): step %d: %v", rowNum, row.Email, row.Step, err))
			continue
		}
		switch {
		case !inserted:
			res.Existing++
		case status == domain.JobSkipped:
			res.Skipped++
		default:
			res.Scheduled++
		}
	}

	if c.Status == domain.CampaignDraft && res.Scheduled > 0 {
		if err := s.repo.UpdateStatus(ctx, campaignID, domain.CampaignActive, &now); err != nil {
			return res, fmt.Errorf("activate campaign: %w", err)
		}
	}

	res.Message = fmt.Sprintf("Import complete: %d contact(s), %d job(s) scheduled, %d past-due job(s) skipped, %d already present",
		res.Contacts, res.Scheduled, res.Skipped, res.Existing)
	if len(res.Errors) > 0 {
		res.Message += fmt.Sprintf(", %d row error(s)", len(res.Errors))
	}
	log.Printf("[campaign.Service] Campaign %s: %s", campaignID, res.Message)
	return res, nil
}

var errBadRow = errors.New("invalid row")

func validateDirectJob(row DirectJob) error {
	if !validEmail(row.Email) {
		return fmt.Errorf("%w: email is required", errBadRow)
	}
	if row.Step < 1 || row.Step > domain.MaxImportedStep {
		return fmt.Errorf("%w: step %d outside 1..%d", errBadRow, row.Step, domain.MaxImportedStep)
	}
	if row.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: step %d has no scheduled time", errBadRow, row.Step)
	}
	return nil
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
