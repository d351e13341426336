// Package errs provides the structured error taxonomy shared by the connector.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies a connector error category. The category decides retry
// behaviour: transport and rate-limit failures may be retried, everything
// else is surfaced to the caller as-is.
type Code string

const (
	// CodeTransport indicates a network-level failure (timeout, reset, 5xx).
	CodeTransport Code = "transport"
	// CodeAuthConfig indicates missing or unusable credentials. Fatal.
	CodeAuthConfig Code = "auth_config"
	// CodeInvalid indicates a malformed request rejected before any network call.
	CodeInvalid Code = "invalid_request"
	// CodeExchangeRejected indicates a venue-side 4xx rejection.
	CodeExchangeRejected Code = "exchange_rejected"
	// CodeRateLimited indicates a venue 429 response.
	CodeRateLimited Code = "rate_limited"
	// CodeStreamDisconnected indicates the streaming socket closed unexpectedly.
	CodeStreamDisconnected Code = "stream_disconnected"
	// CodeNotFound indicates a missing order or resource.
	CodeNotFound Code = "not_found"
)

// CanonicalCode captures venue-agnostic failure categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalOrderNotFound indicates the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalInsufficientBalance indicates the account cannot cover the order.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalInvalidMarket indicates an unsupported or malformed market pair.
	CanonicalInvalidMarket CanonicalCode = "invalid_market"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E captures structured error information produced across the connector.
type E struct {
	Venue      string
	Code       Code
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	Canonical  CanonicalCode
	Endpoint   string
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message verbatim.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithEndpoint records the API path the failing request targeted.
func WithEndpoint(path string) Option {
	trimmed := strings.TrimSpace(path)
	return func(e *E) {
		e.Endpoint = trimmed
	}
}

// WithRetryAfter records the delay the venue asked callers to observe.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Endpoint != "" {
		parts = append(parts, "endpoint="+e.Endpoint)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Retryable reports whether the failure category permits an automatic retry.
// Exchange rejections are deliberately excluded: retrying them with stale
// amounts duplicates orders.
func Retryable(err error) bool {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return false
	}
	switch e.Code {
	case CodeTransport, CodeRateLimited:
		return true
	default:
		return false
	}
}

// CodeOf extracts the connector error code, or empty when err is untyped.
func CodeOf(err error) Code {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return ""
	}
	return e.Code
}

// IsNotFound reports whether err represents a missing order. Cancel paths
// treat it as terminal success.
func IsNotFound(err error) bool {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return false
	}
	return e.Code == CodeNotFound || e.Canonical == CanonicalOrderNotFound
}
