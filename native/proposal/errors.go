package proposal

import "errors"

var (
	ErrUnauthorized             = errors.New("proposal: unauthorized")
	ErrInvalidTransition        = errors.New("proposal: invalid transition")
	ErrTimingViolation          = errors.New("proposal: timing violation")
	ErrInvalidParameters        = errors.New("proposal: invalid parameters")
	ErrInsufficientFunds        = errors.New("proposal: insufficient funds")
	ErrAlreadyInitialized       = errors.New("proposal: already initialized")
	ErrNotFound                 = errors.New("proposal: not found")
	ErrMalformedTemplate  error = &templateError{}

	errNilState  = errors.New("proposal engine: state not configured")
	errNilLedger = errors.New("proposal engine: ledger not configured")
)

// templateError reports a template that cannot be decoded at instantiation.
// It also matches ErrInvalidParameters.
type templateError struct{}

func (*templateError) Error() string { return "proposal: malformed template" }

func (*templateError) Is(target error) bool { return target == ErrInvalidParameters }
