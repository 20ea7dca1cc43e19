package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/pkg/httputil"
)

// ListCampaignJobs handles GET /api/campaigns/{id}/jobs?status=&page=&limit=
func (h *Handlers) ListCampaignJobs(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httputil.BadRequest(w, fmt.Sprintf("unknown job status %q", status))
		return
	}

	jobs, total, err := h.jobs.ListByCampaign(r.Context(), chi.URLParam(r, "id"), status, p.Limit, p.Offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	httputil.OK(w, NewPaginatedResponse(jobs, p, total))
}

// GetJob handles GET /api/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, j)
}

// RetryJob handles POST /api/jobs/{id}/retry
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, j)
}
