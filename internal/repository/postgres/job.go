package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/service/job"
)

// JobRepo implements job.Store against PostgreSQL.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed job store.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

var _ job.Store = (*JobRepo)(nil)

const jobColumns = `j.id, j.enrollment_id, j.step, j.subject, j.body, j.scheduled_at,
		       j.status, j.sent_at, j.error_message, j.created_at, j.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s rowScanner, extra ...interface{}) (*domain.Job, error) {
	j := &domain.Job{}
	var sentAt sql.NullTime
	var errMsg sql.NullString
	dest := []interface{}{
		&j.ID, &j.EnrollmentID, &j.Step, &j.Subject, &j.Body, &j.ScheduledAt,
		&j.Status, &sentAt, &errMsg, &j.CreatedAt, &j.UpdatedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		j.SentAt = &sentAt.Time
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	return j, nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM email_jobs j WHERE j.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) Save(ctx context.Context, j *domain.Job) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_jobs
		SET subject = $1, body = $2, scheduled_at = $3, status = $4,
		    sent_at = $5, error_message = $6, updated_at = NOW()
		WHERE id = $7
	`, j.Subject, j.Body, j.ScheduledAt, j.Status, j.SentAt, j.ErrorMessage, j.ID)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return job.ErrNotFound
	}
	return nil
}

func (r *JobRepo) FindDueJobs(ctx context.Context, now time.Time, after *job.DueCursor, limit int) ([]domain.DueJob, error) {
	q := `
		SELECT ` + jobColumns + `,
		       COALESCE(c.id, ''), COALESCE(c.status, ''), COALESCE(ct.email, '')
		FROM email_jobs j
		LEFT JOIN enrollments e ON e.id = j.enrollment_id
		LEFT JOIN campaigns c ON c.id = e.campaign_id
		LEFT JOIN contacts ct ON ct.id = e.contact_id
		WHERE j.status = 'scheduled' AND j.scheduled_at <= $1
		  AND (c.id IS NULL OR c.status NOT IN ('draft', 'paused'))`
	args := []interface{}{now}
	if after != nil {
		q += `
		  AND (j.scheduled_at, j.step, j.id) > ($2, $3, $4)`
		args = append(args, after.ScheduledAt, after.Step, after.ID)
	}
	q += `
		ORDER BY j.scheduled_at, j.step, j.id`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find due jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.DueJob
	for rows.Next() {
		var d domain.DueJob
		j, err := scanJob(rows, &d.CampaignID, &d.CampaignStatus, &d.Destination)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		d.Job = *j
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *JobRepo) FindForStep(ctx context.Context, enrollmentID string, step int) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM email_jobs j
		WHERE j.enrollment_id = $1 AND j.step = $2
	`, enrollmentID, step))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job for step: %w", err)
	}
	return j, nil
}

func (r *JobRepo) ExistsForStep(ctx context.Context, enrollmentID string, step int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_jobs WHERE enrollment_id = $1 AND step = $2)`,
		enrollmentID, step).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check job exists: %w", err)
	}
	return exists, nil
}

func (r *JobRepo) CreateIfAbsent(ctx context.Context, j *domain.Job) (bool, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_jobs
			(id, enrollment_id, step, subject, body, scheduled_at, status,
			 sent_at, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (enrollment_id, step) DO NOTHING
	`, j.ID, j.EnrollmentID, j.Step, j.Subject, j.Body, j.ScheduledAt, j.Status, j.SentAt, j.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("create job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *JobRepo) List(ctx context.Context, f job.ListFilter) ([]domain.Job, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	from := ` FROM email_jobs j`
	where := ` WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.CampaignID != "" {
		from += ` JOIN enrollments e ON e.id = j.enrollment_id`
		where += fmt.Sprintf(" AND e.campaign_id = $%d", idx)
		args = append(args, f.CampaignID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND j.status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	q := `SELECT ` + jobColumns + from + where +
		fmt.Sprintf(" ORDER BY j.scheduled_at, j.step, j.id LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	out, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *JobRepo) Stats(ctx context.Context, since time.Time) (*domain.DashboardStats, error) {
	st := &domain.DashboardStats{}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM campaigns),
			(SELECT COUNT(*) FROM campaigns WHERE status = 'active'),
			(SELECT COUNT(*) FROM campaigns WHERE status = 'draft'),
			(SELECT COUNT(*) FROM contacts),
			COUNT(*) FILTER (WHERE status = 'sent' AND sent_at >= $1),
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'sent')
		FROM email_jobs
	`, since).Scan(
		&st.TotalCampaigns, &st.ActiveCampaigns, &st.DraftCampaigns, &st.TotalContacts,
		&st.EmailsSentToday, &st.EmailsScheduled, &st.EmailsFailed, &st.TotalEmailsSent,
	)
	if err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}
	return st, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
