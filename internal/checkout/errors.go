package checkout

import (
	"errors"
	"fmt"

	stripeinternal "github.com/nyashahama/course-checkout-backend/internal/stripe"
)

// ValidationError reports caller-supplied data that is missing or malformed.
// It is user-correctable and maps to HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("checkout: invalid %s: %s", e.Field, e.Message)
}

// ErrMissingSessionID is returned by GetSession when no session id was given.
var ErrMissingSessionID = errors.New("checkout: session id is required")

// UpstreamError wraps any failure reported by the payment processor,
// including network failures and timeouts. It is never retried here; the
// caller decides whether to resubmit.
type UpstreamError struct {
	Op  string // e.g. "create checkout session"
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("checkout: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ProviderMessage is the processor's own description of the failure.
func (e *UpstreamError) ProviderMessage() string {
	return stripeinternal.ErrorMessage(e.Err)
}
