package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"hostvisor/internal/domain"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor follows the precedence of domain.Kind so the status always
// agrees with the reported error kind. A bare fs.ErrNotExist is a 404 only
// when no domain error wraps it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTemplateNotFound),
		errors.Is(err, domain.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInstallStepFailed):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrDownloadFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrExtractFailed),
		errors.Is(err, domain.ErrSpawnFailed):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStopTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrMetricsSampleFailed),
		errors.Is(err, domain.ErrBackupFailed):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoFreePort):
		return http.StatusConflict
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and writes it as an ErrorResponse.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.Kind(err)
	if kind == "Internal" && errors.Is(err, fs.ErrNotExist) {
		kind = "NotFound"
	}
	writeJSON(w, statusFor(err), ErrorResponse{Error: kind, Message: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "InvalidRequest", Message: msg})
}
