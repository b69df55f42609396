package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/buildnet-io/buildnet/pkg/errdefs"
)

// errorEnvelope is the wire form of every API failure
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps classified errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflictingState(err), errdefs.IsCancelled(err):
		return http.StatusConflict
	case errdefs.IsQuotaExceeded(err):
		return http.StatusTooManyRequests
	case errdefs.IsBackendUnavailable(err), errdefs.IsLeaseUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsDeadlock(err):
		return http.StatusUnprocessableEntity
	case errdefs.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the error envelope with the mapped status
func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, statusFor(err), errdefs.Code(err), err.Error())
}

// writeBadRequest rejects malformed input with a 400 envelope
func writeBadRequest(w http.ResponseWriter, message string) {
	writeErrorStatus(w, http.StatusBadRequest, errdefs.CodeInvalidArgument, message)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeBody parses a JSON request body, rejecting unknown junk loosely
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
