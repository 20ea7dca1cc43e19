package tests

// User story tests for the drip sequencer. Each story drives the real
// services, session manager and dispatcher through the HTTP API with only
// the mail transport faked.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dripline/internal/api"
	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/gateway"
	"github.com/ignite/dripline/internal/mailing"
	"github.com/ignite/dripline/internal/pkg/distlock"
	"github.com/ignite/dripline/internal/repository/memory"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
	"github.com/ignite/dripline/internal/session"
	"github.com/ignite/dripline/internal/storage"
	"github.com/ignite/dripline/internal/worker"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var T0 = time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type handle struct {
	account string
	gen     int
}

func (h *handle) Account() string { return h.account }

// factory builds handles from stored artifacts and counts builds.
type factory struct {
	mu     sync.Mutex
	builds int
}

func (f *factory) Build(_ context.Context, a *session.Artifact) (session.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	return &handle{account: a.Account, gen: f.builds}, nil
}

type connector struct{}

func (connector) Connect(_ context.Context, prompt func(string)) (*session.Artifact, error) {
	prompt("https://accounts.example.com/consent")
	return &session.Artifact{
		Kind: session.KindSMTP,
		SMTP: &session.SMTPCredentials{Username: "ops@example.com", Password: "app-password"},
	}, nil
}

type delivery struct {
	msg gateway.Message
	gen int
}

// mailbox is the fake transport.
type mailbox struct {
	mu        sync.Mutex
	delivered []delivery
	expired   bool
}

func (m *mailbox) Send(_ context.Context, msg gateway.Message, h session.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired {
		return &gateway.SendError{To: msg.To, Err: fmt.Errorf("%w: invalid_grant", session.ErrSessionExpired)}
	}
	m.delivered = append(m.delivered, delivery{msg: msg, gen: h.(*handle).gen})
	return nil
}

func (m *mailbox) setExpired(v bool) {
	m.mu.Lock()
	m.expired = v
	m.mu.Unlock()
}

func (m *mailbox) all() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery(nil), m.delivered...)
}

// TestContext holds one fully wired instance.
type TestContext struct {
	Clock    *clock
	Sessions *session.Manager
	Factory  *factory
	Mailbox  *mailbox
	Redis    *redis.Client
	MiniR    *miniredis.Miniredis
	Jobs     *memory.JobRepo
	Server   *httptest.Server
}

func setupTestContext(t *testing.T) *TestContext {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	tc := &TestContext{
		Clock:   &clock{now: T0},
		Factory: &factory{},
		Mailbox: &mailbox{},
		Redis:   rdb,
		MiniR:   mr,
	}
	tc.Sessions = session.NewManager(session.Options{
		Store:          store,
		Key:            "session.json",
		Factory:        tc.Factory,
		Connector:      connector{},
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, tc.Sessions.Load(context.Background()))

	db := memory.New()
	tc.Jobs = db.Jobs()
	campaigns := campaign.NewService(db.Campaigns(), db.Jobs(), mailing.NewTemplateService()).WithClock(tc.Clock.Now)
	jobs := job.NewService(db.Jobs()).WithClock(tc.Clock.Now)

	d := worker.NewDispatcher(db.Jobs(), tc.Sessions, tc.Mailbox, worker.DispatcherOptions{
		OrderingCutoff: 30 * time.Second,
		Lock:           distlock.NewRedisLock(rdb, worker.DispatchLockKey, time.Minute),
	})
	d.SetClock(tc.Clock.Now)

	h := api.NewHandlers(campaigns, jobs, tc.Sessions, d)
	hc := api.NewHealthChecker(nil, rdb, tc.Sessions.GetStatus)
	tc.Server = httptest.NewServer(api.SetupRoutes(h, hc, api.RouteOptions{}))

	t.Cleanup(func() {
		tc.Server.Close()
		tc.Sessions.Close()
		rdb.Close()
		mr.Close()
	})
	return tc
}

// call sends a request and decodes the response into out when non-nil.
func (tc *TestContext) call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, tc.Server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

func (tc *TestContext) tick(t *testing.T) worker.TickResult {
	t.Helper()
	var res worker.TickResult
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/dispatch/tick", nil, &res))
	return res
}

// launchTwoStep creates a campaign with steps at T0+1h and T0+1h+3d and
// launches it for the given emails.
func (tc *TestContext) launchTwoStep(t *testing.T, emails ...string) string {
	t.Helper()
	var c domain.Campaign
	require.Equal(t, http.StatusCreated, tc.call(t, http.MethodPost, "/api/campaigns", map[string]string{"name": "Founders outreach"}, &c))

	steps := []map[string]interface{}{
		{"subject_template": "Quick question, {{name}}", "body_template": "Hi {{ name | first_word }}, saw {{company}} is hiring.", "scheduled_at": T0.Add(time.Hour)},
		{"subject_template": "Re: Quick question, {{name}}", "body_template": "Bumping this, {{ name | first_word }}.", "scheduled_at": T0.Add(time.Hour + 72*time.Hour)},
	}
	for i, s := range steps {
		require.Equal(t, http.StatusOK, tc.call(t, http.MethodPut, fmt.Sprintf("/api/campaigns/%s/steps/%d", c.ID, i+1), s, nil))
	}

	contacts := make([]map[string]string, 0, len(emails))
	for _, e := range emails {
		contacts = append(contacts, map[string]string{"email": e, "name": "Sam Rivera", "company": "Acme"})
	}
	require.Equal(t, http.StatusCreated, tc.call(t, http.MethodPost, "/api/campaigns/"+c.ID+"/enrollments", map[string]interface{}{"contacts": contacts}, nil))
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/campaigns/"+c.ID+"/launch", nil, &c))
	require.Equal(t, domain.CampaignActive, c.Status)
	return c.ID
}

// =============================================================================
// USER STORIES
// =============================================================================

// US001: an operator connects an account, launches a two-step sequence and
// each step reaches every contact at its scheduled time, in order.
func TestUS001_ConnectLaunchAndDrip(t *testing.T) {
	tc := setupTestContext(t)

	var st domain.SessionStatus
	require.Equal(t, http.StatusAccepted, tc.call(t, http.MethodPost, "/api/session/connect", nil, &st))
	require.Eventually(t, func() bool {
		return tc.Sessions.GetStatus().State == domain.SessionActive
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ops@example.com", tc.Sessions.GetStatus().Account)

	campaignID := tc.launchTwoStep(t, "sam@acme.io", "lee@acme.io")

	// Nothing is due yet.
	res := tc.tick(t)
	assert.Equal(t, 0, res.Due)

	tc.Clock.Set(T0.Add(time.Hour))
	res = tc.tick(t)
	assert.Equal(t, 2, res.Sent)
	for _, d := range tc.Mailbox.all() {
		assert.Equal(t, "Quick question, Sam Rivera", d.msg.Subject)
		assert.Equal(t, "Hi Sam, saw Acme is hiring.", d.msg.Body)
	}

	tc.Clock.Set(T0.Add(time.Hour + 72*time.Hour))
	res = tc.tick(t)
	assert.Equal(t, 2, res.Sent)
	assert.Len(t, tc.Mailbox.all(), 4)
	assert.Equal(t, 1, tc.Factory.builds, "one handle serves every send")

	var page struct {
		Data []domain.Job `json:"data"`
	}
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodGet, "/api/campaigns/"+campaignID+"/jobs?status=sent", nil, &page))
	assert.Len(t, page.Data, 4)

	var stats domain.DashboardStats
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodGet, "/api/stats", nil, &stats))
	assert.Equal(t, 4, stats.TotalEmailsSent)
	assert.Equal(t, 0, stats.EmailsScheduled)
}

// US002: the session expires mid-campaign. The failed step blocks the
// contact's next step until the operator re-imports credentials and retries.
func TestUS002_ExpiredSessionRecovery(t *testing.T) {
	tc := setupTestContext(t)

	artifact := []byte(`{"kind":"smtp","smtp":{"username":"ops@example.com","password":"old"}}`)
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/session/upload", artifact, nil))

	campaignID := tc.launchTwoStep(t, "sam@acme.io")

	tc.Mailbox.setExpired(true)
	tc.Clock.Set(T0.Add(time.Hour))
	res := tc.tick(t)
	assert.Equal(t, 1, res.Failed)

	var status domain.SessionStatus
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodGet, "/api/session", nil, &status))
	assert.Contains(t, status.LastError, "invalid_grant", "operators see the rejected session")

	// Step 2 comes due but its predecessor failed.
	tc.Clock.Set(T0.Add(time.Hour + 72*time.Hour))
	res = tc.tick(t)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 1, res.Deferred)

	var page struct {
		Data []domain.Job `json:"data"`
	}
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodGet, "/api/campaigns/"+campaignID+"/jobs?status=failed", nil, &page))
	require.Len(t, page.Data, 1)
	failed := page.Data[0]
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "invalid_grant")

	fresh := []byte(`{"kind":"smtp","smtp":{"username":"ops@example.com","password":"new"}}`)
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/session/upload", fresh, nil))
	status = domain.SessionStatus{}
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodGet, "/api/session", nil, &status))
	assert.Empty(t, status.LastError)
	tc.Mailbox.setExpired(false)
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/jobs/"+failed.ID+"/retry", nil, nil))

	res = tc.tick(t)
	assert.Equal(t, 1, res.Sent, "step 1 goes out on the fresh session")

	// Step 2 waits for the ordering cutoff after step 1's send.
	tc.Clock.Set(tc.Clock.Now().Add(31 * time.Second))
	res = tc.tick(t)
	assert.Equal(t, 1, res.Sent)

	got := tc.Mailbox.all()
	require.Len(t, got, 2)
	assert.Equal(t, "Quick question, Sam Rivera", got[0].msg.Subject)
	assert.Equal(t, "Re: Quick question, Sam Rivera", got[1].msg.Subject)
	assert.Greater(t, got[0].gen, 1, "handle was rebuilt after the failure")
}

// US003: a second replica holds the dispatch lock, so this one skips the tick
// and sends nothing until the lock is free.
func TestUS003_ReplicaExclusion(t *testing.T) {
	tc := setupTestContext(t)
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/session/import",
		[]byte(`{"type":"authorized_user","client_id":"cid","client_secret":"cs","refresh_token":"1//rt"}`), nil))

	tc.launchTwoStep(t, "sam@acme.io")
	tc.Clock.Set(T0.Add(time.Hour))

	other := distlock.NewRedisLock(tc.Redis, worker.DispatchLockKey, time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	res := tc.tick(t)
	assert.True(t, res.LockHeld)
	assert.Empty(t, tc.Mailbox.all())

	require.NoError(t, other.Release(context.Background()))
	res = tc.tick(t)
	assert.False(t, res.LockHeld)
	assert.Equal(t, 1, res.Sent)
}

// US004: pausing holds a campaign's sends; resuming releases them.
func TestUS004_PauseHoldsSends(t *testing.T) {
	tc := setupTestContext(t)
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/session/upload",
		[]byte(`{"kind":"smtp","smtp":{"username":"ops@example.com","password":"pw"}}`), nil))

	campaignID := tc.launchTwoStep(t, "sam@acme.io", "lee@acme.io")
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/campaigns/"+campaignID+"/pause", nil, nil))

	tc.Clock.Set(T0.Add(2 * time.Hour))
	res := tc.tick(t)
	assert.Equal(t, 0, res.Due)
	assert.Empty(t, tc.Mailbox.all())

	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/campaigns/"+campaignID+"/resume", nil, nil))
	res = tc.tick(t)
	assert.Equal(t, 2, res.Sent)
}

// US005: the health endpoint reflects redis and session state.
func TestUS005_Health(t *testing.T) {
	tc := setupTestContext(t)

	var h api.HealthStatus
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodGet, "/healthz", nil, &h))
	assert.Equal(t, "up", h.Checks["redis"].Status)
	assert.Equal(t, "degraded", h.Checks["session"].Status)

	require.Equal(t, http.StatusOK, tc.call(t, http.MethodPost, "/api/session/upload",
		[]byte(`{"kind":"smtp","smtp":{"username":"ops@example.com","password":"pw"}}`), nil))
	require.Equal(t, http.StatusOK, tc.call(t, http.MethodGet, "/healthz", nil, &h))
	assert.Equal(t, "up", h.Checks["session"].Status)
	assert.Equal(t, "healthy", h.Status)
}
