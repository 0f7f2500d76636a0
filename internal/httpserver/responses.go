package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain sentinel error to an HTTP status and a stable
// string code, falling back to 500/INTERNAL for anything unrecognized.
func writeError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error()}})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrSchemaInvalid):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyTerminal):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrOwnershipMismatch):
		return http.StatusForbidden, "OWNERSHIP_MISMATCH"
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUpstreamRateLimit):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrLeaseExpired):
		return http.StatusConflict, "LEASE_EXPIRED"
	case errors.Is(err, domain.ErrNoCapableRobot):
		return http.StatusServiceUnavailable, "NO_CAPABLE_ROBOT"
	case errors.Is(err, domain.ErrCyclicDependency):
		return http.StatusBadRequest, "CYCLIC_DEPENDENCY"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
