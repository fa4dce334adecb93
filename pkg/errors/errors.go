package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Kind classifies an error onto the system-wide propagation taxonomy so every
// transport (REST, WS, DB) and caller (poller, coordinator, reconciler) can
// decide retry/log/abort behavior without a type switch per package.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindAuth
	KindRateLimited
	KindBusinessReject
	KindTimeout
	KindShutdown
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindBusinessReject:
		return "business_reject"
	case KindTimeout:
		return "timeout"
	case KindShutdown:
		return "shutdown"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Classified wraps an error with a Kind for propagation-policy decisions.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with kind. A nil err yields a nil result.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// KindOf extracts the Kind a Classify call attached. For unclassified errors
// it maps the sentinel vars above onto their Kind and returns KindUnknown for
// anything else.
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrSystemOverload), errors.Is(err, ErrExchangeMaintenance):
		return KindTransport
	case errors.Is(err, ErrInvalidOrderParameter), errors.Is(err, ErrInvalidSymbol), errors.Is(err, ErrTimestampOutOfBounds):
		return KindProtocol
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrOrderNotFound):
		return KindBusinessReject
	}
	return KindUnknown
}

// IsRetryable reports whether the propagation policy (spec §7) calls for a
// caller-driven retry budget rather than an immediate give-up.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}
