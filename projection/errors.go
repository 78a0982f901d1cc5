package projection

import (
	"errors"
	"fmt"
	"net/http"

	nativecommon "taskescrow/native/common"
	"taskescrow/native/proposal"
)

var (
	ErrInvalidAmount = errors.New("projection: invalid amount")
	ErrRateLimited   = errors.New("projection: rate limited")
	ErrUnknownView   = errors.New("projection: instance not projected")

	errMalformed   = errors.New("projection: malformed record")
	errNilSnapshot = errors.New("projection: nil snapshot")
)

// APIError is a failure reported by the node's HTTP surface. It unwraps to
// the proposal sentinel matching its code so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("node: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("node: %s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "unauthorized":
		return proposal.ErrUnauthorized
	case "invalid_transition":
		return proposal.ErrInvalidTransition
	case "timing_violation":
		return proposal.ErrTimingViolation
	case "invalid_parameters":
		return proposal.ErrInvalidParameters
	case "insufficient_funds":
		return proposal.ErrInsufficientFunds
	case "already_initialized":
		return proposal.ErrAlreadyInitialized
	case "not_found":
		return proposal.ErrNotFound
	case "paused":
		return nativecommon.ErrModulePaused
	case "quota_exceeded", "rate_limited":
		return ErrRateLimited
	}
	if e.Status == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}
