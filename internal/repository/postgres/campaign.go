package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

var _ campaign.Repository = (*CampaignRepo)(nil)

// foreign_key_violation
const pqForeignKeyViolation = "23503"

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var launchedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, status, launched_at, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Status, &launchedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if launchedAt.Valid {
		c.LaunchedAt = &launchedAt.Time
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ""
	args := []interface{}{}
	if f.Status != "" {
		where = " WHERE status = $1"
		args = append(args, f.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	idx := len(args) + 1
	q := `SELECT id, name, status, launched_at, created_at, updated_at FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var launchedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &launchedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		if launchedAt.Valid {
			c.LaunchedAt = &launchedAt.Time
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, status, launched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, c.ID, c.Name, c.Status, c.LaunchedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, launchedAt *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $1, launched_at = COALESCE($2, launched_at), updated_at = NOW()
		WHERE id = $3
	`, status, launchedAt, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) FindStepsOrdered(ctx context.Context, campaignID string) ([]domain.StepDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, step, subject_template, body_template, scheduled_at
		FROM campaign_steps
		WHERE campaign_id = $1
		ORDER BY step
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("find steps: %w", err)
	}
	defer rows.Close()

	var out []domain.StepDefinition
	for rows.Next() {
		var s domain.StepDefinition
		var scheduledAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.Step, &s.SubjectTemplate, &s.BodyTemplate, &scheduledAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if scheduledAt.Valid {
			s.ScheduledAt = &scheduledAt.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) UpsertStep(ctx context.Context, s *domain.StepDefinition) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO campaign_steps (id, campaign_id, step, subject_template, body_template, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (campaign_id, step) DO UPDATE
		SET subject_template = EXCLUDED.subject_template,
		    body_template    = EXCLUDED.body_template,
		    scheduled_at     = EXCLUDED.scheduled_at
		RETURNING id
	`, s.ID, s.CampaignID, s.Step, s.SubjectTemplate, s.BodyTemplate, s.ScheduledAt).Scan(&s.ID)
	if isForeignKeyViolation(err) {
		return campaign.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

func (r *CampaignRepo) FindEnrollments(ctx context.Context, campaignID string) ([]domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.campaign_id, e.contact_id, e.enrolled_at,
		       c.id, c.email, c.name, c.role, c.company, c.category, c.attributes, c.created_at
		FROM enrollments e
		JOIN contacts c ON c.id = e.contact_id
		WHERE e.campaign_id = $1
		ORDER BY e.enrolled_at, e.id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("find enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		var e domain.Enrollment
		var c domain.Contact
		var attrs []byte
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.ContactID, &e.EnrolledAt,
			&c.ID, &c.Email, &c.Name, &c.Role, &c.Company, &c.Category, &attrs, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		if c.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, err
		}
		e.Contact = &c
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) Enroll(ctx context.Context, campaignID, contactID string) (*domain.Enrollment, error) {
	e := &domain.Enrollment{}
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO enrollments (id, campaign_id, contact_id, enrolled_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (campaign_id, contact_id) DO UPDATE SET campaign_id = EXCLUDED.campaign_id
		RETURNING id, campaign_id, contact_id, enrolled_at
	`, uuid.New().String(), campaignID, contactID).Scan(&e.ID, &e.CampaignID, &e.ContactID, &e.EnrolledAt)
	if isForeignKeyViolation(err) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("enroll contact: %w", err)
	}
	return e, nil
}

func (r *CampaignRepo) UpsertContact(ctx context.Context, c *domain.Contact) (*domain.Contact, error) {
	attrs, err := json.Marshal(nonNilAttributes(c.Attributes))
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}

	out := &domain.Contact{}
	var stored []byte
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, email, name, role, company, category, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT ((lower(email))) DO UPDATE
		SET name       = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
		    role       = COALESCE(NULLIF(EXCLUDED.role, ''), contacts.role),
		    company    = COALESCE(NULLIF(EXCLUDED.company, ''), contacts.company),
		    category   = COALESCE(NULLIF(EXCLUDED.category, ''), contacts.category),
		    attributes = contacts.attributes || EXCLUDED.attributes
		RETURNING id, email, name, role, company, category, attributes, created_at
	`, id, strings.TrimSpace(c.Email), c.Name, c.Role, c.Company, c.Category, attrs).Scan(
		&out.ID, &out.Email, &out.Name, &out.Role, &out.Company, &out.Category, &stored, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	if out.Attributes, err = decodeAttributes(stored); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNilAttributes(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func decodeAttributes(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode contact attributes: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
