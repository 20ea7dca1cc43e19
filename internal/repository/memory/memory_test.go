package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, db *DB) (*domain.Campaign, *domain.Enrollment) {
	t.Helper()
	ctx := context.Background()
	c := &domain.Campaign{ID: "c1", Name: "Q2", Status: domain.CampaignActive, CreatedAt: t0}
	require.NoError(t, db.Campaigns().Create(ctx, c))
	ct, err := db.Campaigns().UpsertContact(ctx, &domain.Contact{Email: "Jane@Example.com", Name: "Jane"})
	require.NoError(t, err)
	e, err := db.Campaigns().Enroll(ctx, c.ID, ct.ID)
	require.NoError(t, err)
	return c, e
}

func newJob(id, enrollmentID string, step int, at time.Time) *domain.Job {
	return &domain.Job{ID: id, EnrollmentID: enrollmentID, Step: step, ScheduledAt: at, Status: domain.JobScheduled}
}

func TestCreateIfAbsent_OnePerEnrollmentStep(t *testing.T) {
	db := New()
	_, e := seed(t, db)
	jobs := db.Jobs()
	ctx := context.Background()

	ok, err := jobs.CreateIfAbsent(ctx, newJob("j1", e.ID, 1, t0))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = jobs.CreateIfAbsent(ctx, newJob("j2", e.ID, 1, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, ok)

	exists, _ := jobs.ExistsForStep(ctx, e.ID, 1)
	assert.True(t, exists)
	_, err = jobs.Get(ctx, "j2")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestFindForStep_ExactStepOnly(t *testing.T) {
	db := New()
	_, e := seed(t, db)
	jobs := db.Jobs()
	ctx := context.Background()
	for _, j := range []*domain.Job{newJob("a", e.ID, 1, t0), newJob("c", e.ID, 3, t0)} {
		_, err := jobs.CreateIfAbsent(ctx, j)
		require.NoError(t, err)
	}

	prev, err := jobs.FindForStep(ctx, e.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "a", prev.ID)

	prev, err = jobs.FindForStep(ctx, e.ID, 2)
	require.NoError(t, err)
	assert.Nil(t, prev, "a gap in the sequence has no job")
}

func TestFindDueJobs_JoinsAndOrphans(t *testing.T) {
	db := New()
	c, e := seed(t, db)
	jobs := db.Jobs()
	ctx := context.Background()
	_, _ = jobs.CreateIfAbsent(ctx, newJob("due", e.ID, 1, t0))
	_, _ = jobs.CreateIfAbsent(ctx, newJob("later", e.ID, 2, t0.Add(time.Hour)))

	due, err := jobs.FindDueJobs(ctx, t0, nil, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
	assert.Equal(t, c.ID, due[0].CampaignID)
	assert.Equal(t, domain.CampaignActive, due[0].CampaignStatus)
	assert.Equal(t, "Jane@Example.com", due[0].Destination)
	assert.False(t, due[0].Orphaned())

	db.DeleteEnrollment(e.ID)
	due, err = jobs.FindDueJobs(ctx, t0, nil, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].Orphaned())
}

func TestFindDueJobs_SkipsHeldCampaigns(t *testing.T) {
	db := New()
	c, e := seed(t, db)
	jobs := db.Jobs()
	ctx := context.Background()
	_, _ = jobs.CreateIfAbsent(ctx, newJob("due", e.ID, 1, t0))

	require.NoError(t, db.Campaigns().UpdateStatus(ctx, c.ID, domain.CampaignPaused, nil))
	due, err := jobs.FindDueJobs(ctx, t0, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, db.Campaigns().UpdateStatus(ctx, c.ID, domain.CampaignCompleted, nil))
	due, err = jobs.FindDueJobs(ctx, t0, nil, 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestFindDueJobs_KeysetPages(t *testing.T) {
	db := New()
	_, e := seed(t, db)
	jobs := db.Jobs()
	ctx := context.Background()
	_, _ = jobs.CreateIfAbsent(ctx, newJob("j3", e.ID, 3, t0.Add(time.Minute)))
	_, _ = jobs.CreateIfAbsent(ctx, newJob("j1", e.ID, 1, t0))
	_, _ = jobs.CreateIfAbsent(ctx, newJob("j2", e.ID, 2, t0))

	var ids []string
	var after *job.DueCursor
	for {
		page, err := jobs.FindDueJobs(ctx, t0.Add(time.Hour), after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, d := range page {
			ids = append(ids, d.ID)
		}
		after = job.CursorAfter(&page[len(page)-1].Job)
	}
	assert.Equal(t, []string{"j1", "j2", "j3"}, ids)
}

func TestSave_LastWriterWins(t *testing.T) {
	db := New()
	_, e := seed(t, db)
	jobs := db.Jobs()
	ctx := context.Background()
	_, _ = jobs.CreateIfAbsent(ctx, newJob("j", e.ID, 1, t0))

	j, _ := jobs.Get(ctx, "j")
	j.MarkSent(t0)
	require.NoError(t, jobs.Save(ctx, j))

	got, _ := jobs.Get(ctx, "j")
	assert.Equal(t, domain.JobSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.NoError(t, got.CheckInvariants())

	assert.ErrorIs(t, jobs.Save(ctx, &domain.Job{ID: "missing"}), job.ErrNotFound)
}

func TestUpsertContact_ByEmailMergesFields(t *testing.T) {
	db := New()
	repo := db.Campaigns()
	ctx := context.Background()

	first, err := repo.UpsertContact(ctx, &domain.Contact{Email: "a@b.co", Name: "Ann", Company: "Acme"})
	require.NoError(t, err)
	second, err := repo.UpsertContact(ctx, &domain.Contact{Email: "A@B.co", Role: "CTO"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ann", second.Name)
	assert.Equal(t, "CTO", second.Role)
	assert.Equal(t, "Acme", second.Company)
}

func TestEnroll_Idempotent(t *testing.T) {
	db := New()
	c, e := seed(t, db)
	again, err := db.Campaigns().Enroll(context.Background(), c.ID, e.ContactID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)

	_, err = db.Campaigns().Enroll(context.Background(), "nope", e.ContactID)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestListAndStats(t *testing.T) {
	db := New()
	c, e := seed(t, db)
	jobs := db.Jobs()
	ctx := context.Background()
	_, _ = jobs.CreateIfAbsent(ctx, newJob("s1", e.ID, 1, t0))
	_, _ = jobs.CreateIfAbsent(ctx, newJob("s2", e.ID, 2, t0.Add(time.Hour)))
	_, _ = jobs.CreateIfAbsent(ctx, newJob("s3", e.ID, 3, t0.Add(2*time.Hour)))

	sent, _ := jobs.Get(ctx, "s1")
	sent.MarkSent(t0)
	require.NoError(t, jobs.Save(ctx, sent))
	failed, _ := jobs.Get(ctx, "s2")
	failed.MarkFailed(t0, "boom")
	require.NoError(t, jobs.Save(ctx, failed))

	list, total, err := jobs.List(ctx, job.ListFilter{CampaignID: c.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].ID)

	list, total, err = jobs.List(ctx, job.ListFilter{Status: domain.JobFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "s2", list[0].ID)

	st, err := jobs.Stats(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.DashboardStats{
		TotalCampaigns:  1,
		ActiveCampaigns: 1,
		TotalContacts:   1,
		EmailsSentToday: 1,
		EmailsScheduled: 1,
		EmailsFailed:    1,
		TotalEmailsSent: 1,
	}, *st)
}
