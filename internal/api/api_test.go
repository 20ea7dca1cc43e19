package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/mailing"
	"github.com/ignite/dripline/internal/repository/memory"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
	"github.com/ignite/dripline/internal/session"
	"github.com/ignite/dripline/internal/worker"
)

type fakeSessions struct {
	status     domain.SessionStatus
	connectErr error
	importErr  error
	imported   []byte
	disconnect int
}

func (f *fakeSessions) GetStatus() domain.SessionStatus { return f.status }

func (f *fakeSessions) StartConnect() (domain.SessionStatus, error) {
	if f.connectErr != nil {
		return f.status, f.connectErr
	}
	f.status = domain.SessionStatus{State: domain.SessionConnecting, Message: "waiting for consent"}
	return f.status, nil
}

func (f *fakeSessions) Disconnect(context.Context) error {
	f.disconnect++
	f.status = domain.SessionStatus{State: domain.SessionAbsent}
	return nil
}

func (f *fakeSessions) ImportArtifact(_ context.Context, data []byte) (domain.SessionStatus, error) {
	if f.importErr != nil {
		return f.status, f.importErr
	}
	f.imported = data
	f.status = domain.SessionStatus{State: domain.SessionActive, Connected: true}
	return f.status, nil
}

func (f *fakeSessions) ImportFromExternalFormat(ctx context.Context, data []byte) (domain.SessionStatus, error) {
	return f.ImportArtifact(ctx, data)
}

type fakeTicker struct {
	err   error
	calls int
}

func (f *fakeTicker) Tick(context.Context) (worker.TickResult, error) {
	f.calls++
	return worker.TickResult{Due: 2, Sent: 2}, f.err
}

type testServer struct {
	handler  http.Handler
	sessions *fakeSessions
	ticker   *fakeTicker
	db       *memory.DB
}

func newTestServer(t *testing.T, opts RouteOptions) *testServer {
	t.Helper()
	db := memory.New()
	campaigns := campaign.NewService(db.Campaigns(), db.Jobs(), mailing.NewTemplateService())
	jobs := job.NewService(db.Jobs())
	sessions := &fakeSessions{status: domain.SessionStatus{State: domain.SessionAbsent, Message: "not connected"}}
	ticker := &fakeTicker{}

	h := NewHandlers(campaigns, jobs, sessions, ticker)
	hc := NewHealthChecker(nil, nil, sessions.GetStatus)
	return &testServer{
		handler:  SetupRoutes(h, hc, opts),
		sessions: sessions,
		ticker:   ticker,
		db:       db,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var e struct {
		Code string `json:"code"`
	}
	decode(t, rr, &e)
	return e.Code
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	rr := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var h HealthStatus
	decode(t, rr, &h)
	assert.Equal(t, "not_configured", h.Checks["database"].Status)
	assert.Equal(t, "degraded", h.Checks["session"].Status)
	assert.Equal(t, "degraded", h.Status)

	rr = s.do(t, http.MethodGet, "/healthz/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCampaignFlow(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	rr := s.do(t, http.MethodPost, "/api/campaigns", map[string]string{"name": "Q3 founders"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var c domain.Campaign
	decode(t, rr, &c)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	base := "/api/campaigns/" + c.ID

	// Launch without steps is rejected.
	rr = s.do(t, http.MethodPost, base+"/launch", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeValidation, errorCode(t, rr))

	first := time.Now().Add(time.Hour).UTC()
	second := first.Add(72 * time.Hour)
	for n, when := range map[int]time.Time{1: first, 2: second} {
		rr = s.do(t, http.MethodPut, fmt.Sprintf("%s/steps/%d", base, n), map[string]interface{}{
			"subject_template": "Hello {{name}}",
			"body_template":    "Step body",
			"scheduled_at":     when,
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, base+"/steps", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var steps struct {
		Steps []domain.StepDefinition `json:"steps"`
	}
	decode(t, rr, &steps)
	require.Len(t, steps.Steps, 2)
	assert.Equal(t, 1, steps.Steps[0].Step)

	rr = s.do(t, http.MethodPost, base+"/enrollments", map[string]interface{}{
		"contacts": []map[string]string{
			{"email": "ana@example.com", "name": "Ana"},
			{"email": "raj@example.com", "name": "Raj"},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodPost, base+"/launch", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decode(t, rr, &c)
	assert.Equal(t, domain.CampaignActive, c.Status)

	rr = s.do(t, http.MethodGet, base+"/jobs?status=scheduled&limit=3", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page struct {
		Data       []domain.Job   `json:"data"`
		Pagination PaginationMeta `json:"pagination"`
	}
	decode(t, rr, &page)
	assert.Len(t, page.Data, 3)
	assert.Equal(t, 4, page.Pagination.Total)
	assert.True(t, page.Pagination.HasMore)

	// Retry is only allowed from failed.
	rr = s.do(t, http.MethodPost, "/api/jobs/"+page.Data[0].ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, codeInvalidState, errorCode(t, rr))

	rr = s.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPost, base+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = s.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &c)
	assert.Equal(t, domain.CampaignCompleted, c.Status)

	rr = s.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st domain.DashboardStats
	decode(t, rr, &st)
	assert.Equal(t, 4, st.EmailsScheduled)
	assert.Equal(t, 1, st.TotalCampaigns)
}

func TestCampaignErrors(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	rr := s.do(t, http.MethodPost, "/api/campaigns", map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeValidation, errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/api/campaigns", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/campaigns/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, codeNotFound, errorCode(t, rr))

	rr = s.do(t, http.MethodGet, "/api/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/campaigns?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/campaigns/x/jobs?status=queued", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPut, "/api/campaigns/x/steps/abc", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestImportJobs(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	rr := s.do(t, http.MethodPost, "/api/campaigns", map[string]string{"name": "Imported"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var c domain.Campaign
	decode(t, rr, &c)

	future := time.Now().Add(24 * time.Hour).UTC()
	rr = s.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/import", map[string]interface{}{
		"jobs": []map[string]interface{}{
			{"email": "ana@example.com", "name": "Ana", "step": 1, "subject": "Hi {{name}}", "body": "b", "scheduled_at": future},
			{"email": "not-an-email", "step": 1, "subject": "s", "body": "b", "scheduled_at": future},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res campaign.ImportResult
	decode(t, rr, &res)
	assert.Equal(t, 1, res.Scheduled)
	assert.Len(t, res.Errors, 1)

	rr = s.do(t, http.MethodGet, "/api/campaigns/"+c.ID, nil)
	decode(t, rr, &c)
	assert.Equal(t, domain.CampaignActive, c.Status)

	rr = s.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/import", map[string]interface{}{"jobs": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	rr := s.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st domain.SessionStatus
	decode(t, rr, &st)
	assert.Equal(t, domain.SessionAbsent, st.State)

	rr = s.do(t, http.MethodPost, "/api/session/connect", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	decode(t, rr, &st)
	assert.Equal(t, domain.SessionConnecting, st.State)

	rr = s.do(t, http.MethodPost, "/api/session/upload", `{"kind":"oauth2"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"kind":"oauth2"}`, string(s.sessions.imported))

	rr = s.do(t, http.MethodPost, "/api/session/upload", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodDelete, "/api/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, s.sessions.disconnect)
}

func TestSessionErrors(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	s.sessions.connectErr = session.ErrHeadless
	rr := s.do(t, http.MethodPost, "/api/session/connect", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, codeHeadless, errorCode(t, rr))

	s.sessions.importErr = fmt.Errorf("%w: missing refresh token", session.ErrInvalidArtifact)
	rr = s.do(t, http.MethodPost, "/api/session/import", `{"type":"authorized_user"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeInvalidArtifact, errorCode(t, rr))

	s.sessions.importErr = errors.New("write s3://bucket/key: dial tcp 10.0.0.1:443: connection refused")
	rr = s.do(t, http.MethodPost, "/api/session/import", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "10.0.0.1")
}

func TestTriggerTick(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	rr := s.do(t, http.MethodPost, "/api/dispatch/tick", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res worker.TickResult
	decode(t, rr, &res)
	assert.Equal(t, 2, res.Sent)

	s.ticker.err = worker.ErrTickInProgress
	rr = s.do(t, http.MethodPost, "/api/dispatch/tick", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, codeTickInProgress, errorCode(t, rr))
	assert.Equal(t, 2, s.ticker.calls)
}

func TestAPIToken(t *testing.T) {
	s := newTestServer(t, RouteOptions{APIToken: "s3cret"})

	rr := s.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok := httptest.NewRecorder()
	s.handler.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	// Health stays open.
	rr = s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsMount(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("dripline_emails_sent_total 0\n"))
	})
	s := newTestServer(t, RouteOptions{MetricsPath: "/metrics", MetricsHandler: metrics})

	rr := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "dripline_emails_sent_total")
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query               string
		page, limit, offset int
	}{
		{"", 1, defaultPageLimit, 0},
		{"?page=3&limit=10", 3, 10, 20},
		{"?limit=10000", 1, maxPageLimit, 0},
		{"?offset=25&limit=10", 3, 10, 25},
		{"?offset=-4", 1, defaultPageLimit, 0},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			p := ParsePagination(httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil))
			assert.Equal(t, tc.page, p.Page)
			assert.Equal(t, tc.limit, p.Limit)
			assert.Equal(t, tc.offset, p.Offset)
		})
	}
}

func TestSafeErrorMessage(t *testing.T) {
	assert.Equal(t, "A database error occurred", safeErrorMessage(500, errors.New("pq: relation does not exist")))
	assert.Equal(t, "Request timed out", safeErrorMessage(500, context.DeadlineExceeded))
	assert.Equal(t, "An internal error occurred", safeErrorMessage(500, errors.New("boom")))
	assert.Equal(t, "bad input", safeErrorMessage(400, errors.New("bad input")))
}
