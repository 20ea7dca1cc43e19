package api

import (
	"net/http"

	"github.com/ignite/dripline/internal/pkg/httputil"
)

// GetSession handles GET /api/session
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.sessions.GetStatus())
}

// ConnectSession handles POST /api/session/connect. The connect runs in the
// background; poll GET /api/session for the outcome.
func (h *Handlers) ConnectSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.StartConnect()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Accepted(w, st)
}

// DisconnectSession handles DELETE /api/session
func (h *Handlers) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Disconnect(r.Context()); err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, h.sessions.GetStatus())
}

// UploadSession handles POST /api/session/upload with a native artifact body.
func (h *Handlers) UploadSession(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.ReadBody(w, r)
	if !ok {
		return
	}
	st, err := h.sessions.ImportArtifact(r.Context(), body)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, st)
}

// ImportSession handles POST /api/session/import with an external credential
// export (authorized_user file, bare OAuth2 token or SMTP bundle).
func (h *Handlers) ImportSession(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.ReadBody(w, r)
	if !ok {
		return
	}
	st, err := h.sessions.ImportFromExternalFormat(r.Context(), body)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, st)
}
