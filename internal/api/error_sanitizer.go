package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/ignite/dripline/internal/pkg/httputil"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
	"github.com/ignite/dripline/internal/session"
	"github.com/ignite/dripline/internal/worker"
)

// =============================================================================
// ERROR SANITIZER
// Service errors map to status codes here. 4xx responses carry the service
// message; 5xx responses carry a generic message and the full error is only
// logged.
// =============================================================================

// Machine-readable error codes.
const (
	codeNotFound        = "not_found"
	codeValidation      = "validation_failed"
	codeInvalidState    = "invalid_state"
	codeHeadless        = "headless"
	codeNoConnector     = "no_connector"
	codeInvalidArtifact = "invalid_artifact"
	codeTickInProgress  = "tick_in_progress"
)

const headlessGuidance = "interactive connect is disabled on this host; sign in on a machine with a browser and upload the session with POST /api/session/import"

// respondServiceError writes the response for an error returned by a service.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, job.ErrNotFound):
		httputil.CodedError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, campaign.ErrValidation):
		httputil.CodedError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, campaign.ErrInvalidState), errors.Is(err, job.ErrInvalidState):
		httputil.CodedError(w, http.StatusConflict, codeInvalidState, err.Error())
	case errors.Is(err, session.ErrHeadless):
		httputil.CodedError(w, http.StatusConflict, codeHeadless, headlessGuidance)
	case errors.Is(err, session.ErrNoConnector):
		httputil.CodedError(w, http.StatusConflict, codeNoConnector, err.Error())
	case errors.Is(err, session.ErrInvalidArtifact):
		httputil.CodedError(w, http.StatusBadRequest, codeInvalidArtifact, err.Error())
	case errors.Is(err, worker.ErrTickInProgress):
		httputil.CodedError(w, http.StatusConflict, codeTickInProgress, err.Error())
	default:
		respondSafeError(w, http.StatusInternalServerError, err)
	}
}

// respondSafeError logs the internal error and sends a sanitized message.
func respondSafeError(w http.ResponseWriter, code int, internalErr error) {
	if internalErr != nil {
		log.Printf("ERROR [%d]: %v", code, internalErr)
	}
	httputil.Error(w, code, safeErrorMessage(code, internalErr))
}

// safeErrorMessage maps common internal error patterns to public-safe messages.
func safeErrorMessage(code int, internalErr error) string {
	if code < 500 {
		if internalErr != nil {
			return internalErr.Error()
		}
		return "Bad request"
	}
	if internalErr == nil {
		return "An internal error occurred"
	}

	errStr := strings.ToLower(internalErr.Error())
	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"

	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"

	case strings.Contains(errStr, "sql") ||
		strings.Contains(errStr, "pq:") ||
		strings.Contains(errStr, "database"):
		return "A database error occurred"

	case strings.Contains(errStr, "s3") ||
		strings.Contains(errStr, "storage"):
		return "A storage error occurred"
	}
	return "An internal error occurred"
}
