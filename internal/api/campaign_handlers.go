package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/pkg/httputil"
	"github.com/ignite/dripline/internal/service/campaign"
)

// ListCampaigns handles GET /api/campaigns?status=&page=&limit=
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	status := domain.CampaignStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httputil.BadRequest(w, fmt.Sprintf("unknown campaign status %q", status))
		return
	}

	items, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{Status: status, Limit: p.Limit, Offset: p.Offset})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.Campaign{}
	}
	httputil.OK(w, NewPaginatedResponse(items, p, total))
}

// CreateCampaign handles POST /api/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, c)
}

// GetCampaign handles GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ListSteps handles GET /api/campaigns/{id}/steps
func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.campaigns.Steps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if steps == nil {
		steps = []domain.StepDefinition{}
	}
	httputil.OK(w, map[string]interface{}{"steps": steps})
}

// UpsertStep handles PUT /api/campaigns/{id}/steps/{step}
func (h *Handlers) UpsertStep(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		httputil.BadRequest(w, "step must be a number")
		return
	}
	var in campaign.StepInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	in.Step = n

	step, err := h.campaigns.UpsertStep(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, step)
}

type enrollRequest struct {
	Contacts []domain.Contact `json:"contacts"`
}

// EnrollContacts handles POST /api/campaigns/{id}/enrollments
func (h *Handlers) EnrollContacts(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Contacts) == 0 {
		httputil.BadRequest(w, "contacts is required")
		return
	}
	enrollments, err := h.campaigns.Enroll(r.Context(), chi.URLParam(r, "id"), req.Contacts)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, map[string]interface{}{
		"enrolled":    len(enrollments),
		"enrollments": enrollments,
	})
}

// LaunchCampaign handles POST /api/campaigns/{id}/launch
func (h *Handlers) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Launch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// PauseCampaign handles POST /api/campaigns/{id}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ResumeCampaign handles POST /api/campaigns/{id}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// CompleteCampaign handles POST /api/campaigns/{id}/complete
func (h *Handlers) CompleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

type importRequest struct {
	Jobs []campaign.DirectJob `json:"jobs"`
}

// ImportJobs handles POST /api/campaigns/{id}/import
//
// Rows that fail validation are reported in the result; the request only
// fails as a whole when the campaign cannot accept jobs.
func (h *Handlers) ImportJobs(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Jobs) == 0 {
		httputil.BadRequest(w, "jobs is required")
		return
	}
	res, err := h.campaigns.ImportJobs(r.Context(), chi.URLParam(r, "id"), req.Jobs)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}
