package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"taskescrow/core"
)

const codeRateLimited = "rate_limited"

var errCallerRequired = errors.New("rpc: X-Caller header required")

func statusForCode(code string) int {
	switch code {
	case core.CodeUnauthorized:
		return http.StatusForbidden
	case core.CodeInvalidTransition, core.CodeTimingViolation, core.CodeAlreadyInitialized:
		return http.StatusConflict
	case core.CodeInvalidParameters:
		return http.StatusBadRequest
	case core.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodePaused:
		return http.StatusServiceUnavailable
	case core.CodeQuotaExceeded, codeRateLimited:
		return http.StatusTooManyRequests
	case core.CodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the code Classify assigns to it. Internal
// failures are logged and answered without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := core.Classify(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFrom(r.Context()), "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeCodedError(w http.ResponseWriter, code, message string) {
	writeJSON(w, statusForCode(code), errorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
