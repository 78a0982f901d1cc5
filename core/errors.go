package core

import (
	"context"
	"errors"

	nativecommon "taskescrow/native/common"
	"taskescrow/native/proposal"
	"taskescrow/native/token"
)

// Error codes reported by Classify. They double as metric outcomes and as the
// code field of RPC error bodies.
const (
	CodeUnauthorized       = "unauthorized"
	CodeInvalidTransition  = "invalid_transition"
	CodeTimingViolation    = "timing_violation"
	CodeInvalidParameters  = "invalid_parameters"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeAlreadyInitialized = "already_initialized"
	CodeNotFound           = "not_found"
	CodePaused             = "paused"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeCanceled           = "canceled"
	CodeInternal           = "internal"
)

// Classify maps an error returned by the runtime onto its stable code. The
// proposal sentinels take precedence over the ledger errors they wrap.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, proposal.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, proposal.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, proposal.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, proposal.ErrInvalidParameters):
		return CodeInvalidParameters
	case errors.Is(err, proposal.ErrTimingViolation):
		return CodeTimingViolation
	case errors.Is(err, proposal.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, proposal.ErrAlreadyInitialized), errors.Is(err, token.ErrTokenExists):
		return CodeAlreadyInitialized
	case errors.Is(err, token.ErrUnknownToken):
		return CodeNotFound
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientAllowance):
		return CodeInsufficientFunds
	case errors.Is(err, token.ErrInvalidAmount), errors.Is(err, token.ErrInvalidMetadata):
		return CodeInvalidParameters
	case errors.Is(err, nativecommon.ErrModulePaused):
		return CodePaused
	case errors.Is(err, nativecommon.ErrQuotaCallsExceeded),
		errors.Is(err, nativecommon.ErrQuotaCreatesExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return CodeQuotaExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
