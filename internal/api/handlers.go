package api

import (
	"context"
	"net/http"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/pkg/httputil"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
	"github.com/ignite/dripline/internal/worker"
)

// SessionController is the part of the session manager the API drives.
type SessionController interface {
	GetStatus() domain.SessionStatus
	StartConnect() (domain.SessionStatus, error)
	Disconnect(ctx context.Context) error
	ImportArtifact(ctx context.Context, data []byte) (domain.SessionStatus, error)
	ImportFromExternalFormat(ctx context.Context, data []byte) (domain.SessionStatus, error)
}

// Ticker runs one dispatch pass on demand.
type Ticker interface {
	Tick(ctx context.Context) (worker.TickResult, error)
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	campaigns  *campaign.Service
	jobs       *job.Service
	sessions   SessionController
	dispatcher Ticker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(campaigns *campaign.Service, jobs *job.Service, sessions SessionController, dispatcher Ticker) *Handlers {
	return &Handlers{
		campaigns:  campaigns,
		jobs:       jobs,
		sessions:   sessions,
		dispatcher: dispatcher,
	}
}

// GetStats returns the dashboard counters.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Stats(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, st)
}

// TriggerTick runs a dispatch tick now.
func (h *Handlers) TriggerTick(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.Tick(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}
