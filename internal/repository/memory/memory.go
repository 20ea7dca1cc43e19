// Package memory provides in-process implementations of the campaign
// repository and the job store. State is lost on exit; it backs the
// "memory" database driver and the service and worker tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
)

// DB holds every table. The repositories returned by Campaigns and Jobs
// share it.
type DB struct {
	mu sync.RWMutex

	campaigns      map[string]*domain.Campaign
	steps          map[string]map[int]*domain.StepDefinition // campaign id -> step
	contacts       map[string]*domain.Contact
	contactByEmail map[string]string
	enrollments    map[string]*domain.Enrollment
	enrollmentKey  map[string]string // campaign id/contact id -> enrollment id
	jobs           map[string]*domain.Job
	jobKey         map[string]string // enrollment id/step -> job id
}

// New creates an empty database.
func New() *DB {
	return &DB{
		campaigns:      make(map[string]*domain.Campaign),
		steps:          make(map[string]map[int]*domain.StepDefinition),
		contacts:       make(map[string]*domain.Contact),
		contactByEmail: make(map[string]string),
		enrollments:    make(map[string]*domain.Enrollment),
		enrollmentKey:  make(map[string]string),
		jobs:           make(map[string]*domain.Job),
		jobKey:         make(map[string]string),
	}
}

// Campaigns returns the campaign repository view of the database.
func (db *DB) Campaigns() *CampaignRepo { return &CampaignRepo{db: db} }

// Jobs returns the job store view of the database.
func (db *DB) Jobs() *JobRepo { return &JobRepo{db: db} }

// DeleteCampaign removes a campaign row only, leaving its enrollments and
// jobs behind.
func (db *DB) DeleteCampaign(id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.campaigns, id)
	delete(db.steps, id)
}

// DeleteEnrollment removes an enrollment row only, leaving its jobs behind.
func (db *DB) DeleteEnrollment(id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if e, ok := db.enrollments[id]; ok {
		delete(db.enrollmentKey, e.CampaignID+"/"+e.ContactID)
		delete(db.enrollments, id)
	}
}

func jobKey(enrollmentID string, step int) string {
	return enrollmentID + "/" + strconv.Itoa(step)
}

func copyContact(c *domain.Contact) *domain.Contact {
	cp := *c
	if c.Attributes != nil {
		cp.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

func copyJob(j *domain.Job) domain.Job {
	cp := *j
	if j.SentAt != nil {
		t := *j.SentAt
		cp.SentAt = &t
	}
	if j.ErrorMessage != nil {
		m := *j.ErrorMessage
		cp.ErrorMessage = &m
	}
	return cp
}

// CampaignRepo implements campaign.Repository in memory.
type CampaignRepo struct{ db *DB }

var _ campaign.Repository = (*CampaignRepo)(nil)

func (r *CampaignRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	c, ok := r.db.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range r.db.campaigns {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	total := len(out)
	return paginate(out, f.Limit, f.Offset), total, nil
}

func (r *CampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	cp := *c
	r.db.campaigns[c.ID] = &cp
	return nil
}

func (r *CampaignRepo) UpdateStatus(_ context.Context, id string, status domain.CampaignStatus, launchedAt *time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.Status = status
	if launchedAt != nil {
		t := *launchedAt
		c.LaunchedAt = &t
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *CampaignRepo) FindStepsOrdered(_ context.Context, campaignID string) ([]domain.StepDefinition, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make([]domain.StepDefinition, 0, len(r.db.steps[campaignID]))
	for _, s := range r.db.steps[campaignID] {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Step < out[k].Step })
	return out, nil
}

func (r *CampaignRepo) UpsertStep(_ context.Context, s *domain.StepDefinition) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.campaigns[s.CampaignID]; !ok {
		return campaign.ErrNotFound
	}
	steps, ok := r.db.steps[s.CampaignID]
	if !ok {
		steps = make(map[int]*domain.StepDefinition)
		r.db.steps[s.CampaignID] = steps
	}
	if prev, ok := steps[s.Step]; ok {
		s.ID = prev.ID
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	cp := *s
	steps[s.Step] = &cp
	return nil
}

func (r *CampaignRepo) FindEnrollments(_ context.Context, campaignID string) ([]domain.Enrollment, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.Enrollment
	for _, e := range r.db.enrollments {
		if e.CampaignID != campaignID {
			continue
		}
		cp := *e
		if c, ok := r.db.contacts[e.ContactID]; ok {
			cp.Contact = copyContact(c)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].EnrolledAt.Equal(out[k].EnrolledAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].EnrolledAt.Before(out[k].EnrolledAt)
	})
	return out, nil
}

func (r *CampaignRepo) Enroll(_ context.Context, campaignID, contactID string) (*domain.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.campaigns[campaignID]; !ok {
		return nil, campaign.ErrNotFound
	}
	key := campaignID + "/" + contactID
	if id, ok := r.db.enrollmentKey[key]; ok {
		cp := *r.db.enrollments[id]
		return &cp, nil
	}
	e := &domain.Enrollment{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		ContactID:  contactID,
		EnrolledAt: time.Now().UTC(),
	}
	r.db.enrollments[e.ID] = e
	r.db.enrollmentKey[key] = e.ID
	cp := *e
	return &cp, nil
}

func (r *CampaignRepo) UpsertContact(_ context.Context, c *domain.Contact) (*domain.Contact, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(c.Email))
	if id, ok := r.db.contactByEmail[email]; ok {
		stored := r.db.contacts[id]
		mergeContact(stored, c)
		return copyContact(stored), nil
	}
	stored := copyContact(c)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.db.contacts[stored.ID] = stored
	r.db.contactByEmail[email] = stored.ID
	return copyContact(stored), nil
}

// mergeContact applies the non-empty fields of src to dst.
func mergeContact(dst, src *domain.Contact) {
	set := func(to *string, v string) {
		if v != "" {
			*to = v
		}
	}
	set(&dst.Name, src.Name)
	set(&dst.Role, src.Role)
	set(&dst.Company, src.Company)
	set(&dst.Category, src.Category)
	if len(src.Attributes) > 0 {
		if dst.Attributes == nil {
			dst.Attributes = make(map[string]string, len(src.Attributes))
		}
		for k, v := range src.Attributes {
			dst.Attributes[k] = v
		}
	}
}

// JobRepo implements job.Store in memory.
type JobRepo struct{ db *DB }

var _ job.Store = (*JobRepo)(nil)

func (r *JobRepo) Get(_ context.Context, id string) (*domain.Job, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	j, ok := r.db.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	cp := copyJob(j)
	return &cp, nil
}

func (r *JobRepo) Save(_ context.Context, j *domain.Job) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	stored, ok := r.db.jobs[j.ID]
	if !ok {
		return job.ErrNotFound
	}
	cp := copyJob(j)
	cp.EnrollmentID = stored.EnrollmentID
	cp.Step = stored.Step
	cp.CreatedAt = stored.CreatedAt
	*stored = cp
	return nil
}

func (r *JobRepo) FindDueJobs(_ context.Context, now time.Time, after *job.DueCursor, limit int) ([]domain.DueJob, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.DueJob
	for _, j := range r.db.jobs {
		if j.Status != domain.JobScheduled || j.ScheduledAt.After(now) {
			continue
		}
		if after != nil && after.Covers(j) {
			continue
		}
		d := domain.DueJob{Job: copyJob(j)}
		if e, ok := r.db.enrollments[j.EnrollmentID]; ok {
			if c, ok := r.db.campaigns[e.CampaignID]; ok {
				if !c.Status.Dispatchable() {
					continue
				}
				d.CampaignID = c.ID
				d.CampaignStatus = c.Status
			}
			if ct, ok := r.db.contacts[e.ContactID]; ok {
				d.Destination = ct.Email
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) FindForStep(_ context.Context, enrollmentID string, step int) (*domain.Job, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	id, ok := r.db.jobKey[jobKey(enrollmentID, step)]
	if !ok {
		return nil, nil
	}
	j, ok := r.db.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := copyJob(j)
	return &cp, nil
}

func (r *JobRepo) ExistsForStep(_ context.Context, enrollmentID string, step int) (bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	_, ok := r.db.jobKey[jobKey(enrollmentID, step)]
	return ok, nil
}

func (r *JobRepo) CreateIfAbsent(_ context.Context, j *domain.Job) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := jobKey(j.EnrollmentID, j.Step)
	if _, ok := r.db.jobKey[key]; ok {
		return false, nil
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	cp := copyJob(j)
	r.db.jobs[j.ID] = &cp
	r.db.jobKey[key] = j.ID
	return true, nil
}

func (r *JobRepo) List(_ context.Context, f job.ListFilter) ([]domain.Job, int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.Job
	for _, j := range r.db.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.CampaignID != "" {
			e, ok := r.db.enrollments[j.EnrollmentID]
			if !ok || e.CampaignID != f.CampaignID {
				continue
			}
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		return a.ID < b.ID
	})
	total := len(out)
	return paginate(out, f.Limit, f.Offset), total, nil
}

func (r *JobRepo) Stats(_ context.Context, since time.Time) (*domain.DashboardStats, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	st := &domain.DashboardStats{
		TotalCampaigns: len(r.db.campaigns),
		TotalContacts:  len(r.db.contacts),
	}
	for _, c := range r.db.campaigns {
		switch c.Status {
		case domain.CampaignActive:
			st.ActiveCampaigns++
		case domain.CampaignDraft:
			st.DraftCampaigns++
		}
	}
	for _, j := range r.db.jobs {
		switch j.Status {
		case domain.JobScheduled:
			st.EmailsScheduled++
		case domain.JobFailed:
			st.EmailsFailed++
		case domain.JobSent:
			st.TotalEmailsSent++
			if j.SentAt != nil && !j.SentAt.Before(since) {
				st.EmailsSentToday++
			}
		}
	}
	return st, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
