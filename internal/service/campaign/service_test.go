package campaign_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/mailing"
	"github.com/ignite/dripline/internal/repository/memory"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

type fixture struct {
	db  *memory.DB
	svc *campaign.Service
	c   *domain.Campaign
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memory.New()
	svc := campaign.NewService(db.Campaigns(), db.Jobs(), mailing.NewTemplateService()).
		WithClock(func() time.Time { return now })
	c, err := svc.Create(context.Background(), campaign.CreateInput{Name: "Spring outreach"})
	require.NoError(t, err)
	return &fixture{db: db, svc: svc, c: c}
}

func (f *fixture) step(t *testing.T, n int, subject, body string, when *time.Time) {
	t.Helper()
	_, err := f.svc.UpsertStep(context.Background(), f.c.ID, campaign.StepInput{
		Step: n, SubjectTemplate: subject, BodyTemplate: body, ScheduledAt: when,
	})
	require.NoError(t, err)
}

func (f *fixture) enroll(t *testing.T, contacts ...domain.Contact) []domain.Enrollment {
	t.Helper()
	es, err := f.svc.Enroll(context.Background(), f.c.ID, contacts)
	require.NoError(t, err)
	return es
}

func (f *fixture) jobs(t *testing.T) []domain.Job {
	t.Helper()
	list, _, err := f.db.Jobs().List(context.Background(), job.ListFilter{CampaignID: f.c.ID})
	require.NoError(t, err)
	return list
}

func TestLaunch_PlansRenderedJobs(t *testing.T) {
	f := newFixture(t)
	f.step(t, 1, "Hi {{name}}", "As {{role}} at {{company}} ({{category}}){{unknown}}", at(time.Hour))
	f.step(t, 2, "Following up, {{name}}", "{{ company }}", at(48*time.Hour))
	f.enroll(t, domain.Contact{Email: "jane@acme.io", Name: "Jane", Role: "CTO", Company: "Acme", Category: "saas"})

	c, err := f.svc.Launch(context.Background(), f.c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignActive, c.Status)
	require.NotNil(t, c.LaunchedAt)
	assert.Equal(t, now, *c.LaunchedAt)

	jobs := f.jobs(t)
	require.Len(t, jobs, 2)
	assert.Equal(t, "Hi Jane", jobs[0].Subject)
	assert.Equal(t, "As CTO at Acme (saas)", jobs[0].Body)
	assert.Equal(t, *at(time.Hour), jobs[0].ScheduledAt)
	assert.Equal(t, domain.JobScheduled, jobs[0].Status)
	assert.Equal(t, "Following up, Jane", jobs[1].Subject)
	assert.Equal(t, *at(48*time.Hour), jobs[1].ScheduledAt)
	for _, j := range jobs {
		assert.NoError(t, j.CheckInvariants())
	}
}

func TestLaunch_IdempotentAndFillsGaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.step(t, 1, "s1", "b1", at(time.Hour))
	f.step(t, 2, "s2", "b2", at(2*time.Hour))
	f.enroll(t, domain.Contact{Email: "a@x.io", Name: "A"})

	first, err := f.svc.Launch(ctx, f.c.ID)
	require.NoError(t, err)
	require.Len(t, f.jobs(t), 2)

	f.svc.WithClock(func() time.Time { return now.Add(time.Hour) })
	second, err := f.svc.Launch(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Len(t, f.jobs(t), 2)
	assert.Equal(t, *first.LaunchedAt, *second.LaunchedAt, "launched_at keeps the first launch")

	f.enroll(t, domain.Contact{Email: "b@x.io", Name: "B"})
	_, err = f.svc.Launch(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Len(t, f.jobs(t), 4)
}

func TestLaunch_PastStepStillScheduled(t *testing.T) {
	f := newFixture(t)
	f.step(t, 1, "s", "b", at(-72*time.Hour))
	f.enroll(t, domain.Contact{Email: "a@x.io"})

	_, err := f.svc.Launch(context.Background(), f.c.ID)
	require.NoError(t, err)
	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobScheduled, jobs[0].Status)
}

func TestLaunch_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("no steps", func(t *testing.T) {
		f := newFixture(t)
		f.enroll(t, domain.Contact{Email: "a@x.io"})
		_, err := f.svc.Launch(ctx, f.c.ID)
		assert.ErrorIs(t, err, campaign.ErrValidation)
	})

	t.Run("unscheduled step", func(t *testing.T) {
		f := newFixture(t)
		f.step(t, 1, "s", "b", at(time.Hour))
		f.step(t, 2, "s", "b", nil)
		f.enroll(t, domain.Contact{Email: "a@x.io"})
		_, err := f.svc.Launch(ctx, f.c.ID)
		assert.ErrorIs(t, err, campaign.ErrValidation)
		assert.Contains(t, err.Error(), "step 2")
		assert.Empty(t, f.jobs(t))
	})

	t.Run("no enrollments", func(t *testing.T) {
		f := newFixture(t)
		f.step(t, 1, "s", "b", at(time.Hour))
		_, err := f.svc.Launch(ctx, f.c.ID)
		assert.ErrorIs(t, err, campaign.ErrValidation)
	})

	t.Run("completed", func(t *testing.T) {
		f := newFixture(t)
		f.step(t, 1, "s", "b", at(time.Hour))
		f.enroll(t, domain.Contact{Email: "a@x.io"})
		_, err := f.svc.Launch(ctx, f.c.ID)
		require.NoError(t, err)
		_, err = f.svc.Complete(ctx, f.c.ID)
		require.NoError(t, err)

		_, err = f.svc.Launch(ctx, f.c.ID)
		assert.ErrorIs(t, err, campaign.ErrValidation)
	})

	t.Run("missing campaign", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Launch(ctx, "nope")
		assert.ErrorIs(t, err, campaign.ErrNotFound)
	})
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Pause(ctx, f.c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidState, "draft cannot be paused")
	_, err = f.svc.Complete(ctx, f.c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidState, "draft cannot be completed")

	f.step(t, 1, "s", "b", at(time.Hour))
	f.enroll(t, domain.Contact{Email: "a@x.io"})
	_, err = f.svc.Launch(ctx, f.c.ID)
	require.NoError(t, err)

	c, err := f.svc.Pause(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignPaused, c.Status)

	_, err = f.svc.Pause(ctx, f.c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidState)

	c, err = f.svc.Resume(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignActive, c.Status)

	_, err = f.svc.Resume(ctx, f.c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidState)

	c, err = f.svc.Complete(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, c.Status)

	stored, err := f.svc.Get(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, stored.Status)

	_, err = f.svc.Resume(ctx, f.c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidState)
}

func TestImportJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rows := []campaign.DirectJob{
		{Email: "jane@acme.io", Name: "Jane", Step: 1, Subject: "Hi {{name}}", Body: "b1", ScheduledAt: now.Add(-24 * time.Hour)},
		{Email: "jane@acme.io", Name: "Jane", Step: 2, Subject: "s2", Body: "b2", ScheduledAt: now.Add(24 * time.Hour)},
		{Email: "bob@acme.io", Step: 7, Subject: "s7", Body: "b7", ScheduledAt: now.Add(7 * 24 * time.Hour)},
		{Email: "bob@acme.io", Step: 8, Subject: "bad", ScheduledAt: now.Add(time.Hour)},
		{Email: "", Step: 1, ScheduledAt: now},
		{Email: "carl@acme.io", Step: 1},
	}

	res, err := f.svc.ImportJobs(ctx, f.c.ID, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Contacts)
	assert.Equal(t, 2, res.Scheduled)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Existing)
	assert.Len(t, res.Errors, 3)

	jobs := f.jobs(t)
	require.Len(t, jobs, 3)
	byStep := map[int]domain.Job{}
	for _, j := range jobs {
		byStep[j.Step] = j
		assert.NoError(t, j.CheckInvariants())
	}
	assert.Equal(t, domain.JobSkipped, byStep[1].Status)
	assert.Equal(t, "Hi Jane", byStep[1].Subject)
	assert.Equal(t, domain.JobScheduled, byStep[2].Status)
	assert.Equal(t, domain.JobScheduled, byStep[7].Status)

	c, err := f.svc.Get(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignActive, c.Status, "draft becomes active once it has scheduled work")

	again, err := f.svc.ImportJobs(ctx, f.c.ID, rows[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, again.Existing)
	assert.Len(t, f.jobs(t), 3)
}

func TestEnroll_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Enroll(context.Background(), f.c.ID, []domain.Contact{{Email: "not-an-email"}})
	assert.ErrorIs(t, err, campaign.ErrValidation)

	es := f.enroll(t, domain.Contact{Email: "a@x.io"}, domain.Contact{Email: "a@x.io"})
	require.Len(t, es, 2)
	assert.Equal(t, es[0].ID, es[1].ID)
}

func TestCreateAndUpsertStep_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, campaign.CreateInput{Name: "  "})
	assert.ErrorIs(t, err, campaign.ErrValidation)

	_, err = f.svc.UpsertStep(ctx, f.c.ID, campaign.StepInput{Step: 0})
	assert.ErrorIs(t, err, campaign.ErrValidation)

	f.step(t, 1, "old", "b", nil)
	f.step(t, 1, "new", "b", at(time.Hour))
	steps, err := f.svc.Steps(ctx, f.c.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "new", steps[0].SubjectTemplate)
}
