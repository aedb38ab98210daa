// Package apperr defines the gateway's error taxonomy. Every failure that can
// terminate a request is expressed as an *Error whose Kind decides the HTTP
// status; the wrapped cause is for logs only and never reaches the caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a terminal request failure.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindBadRequest   Kind = "bad_request"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream     Kind = "upstream_error"
	KindInternal     Kind = "internal_error"
)

// Machine-readable reasons carried alongside a Kind.
const (
	ReasonFeatureRestricted   = "feature-restricted"
	ReasonQuotaExceeded       = "quota-exceeded"
	ReasonInputTooLarge       = "input-too-large"
	ReasonProvider            = "provider"
	ReasonRateLimited         = "rate-limited"
	ReasonUpstreamUnavailable = "upstream-unavailable"
	ReasonUpstreamRateLimited = "upstream-rate-limited"
	ReasonUpstreamAuth        = "upstream-auth"
	ReasonUpstreamBadRequest  = "upstream-bad-request"
	ReasonUpstreamBadResponse = "upstream-bad-response"
	ReasonUpstreamFailure     = "upstream-failure"
)

// HTTPStatus maps a Kind to its response status. Unknown kinds are 500.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	// Used and Limit are set for quota denials so clients can render upgrade
	// messaging.
	Used  int64
	Limit int64
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unauthorized reports a missing or rejected credential.
func Unauthorized(message string, err error) *Error {
	return &Error{Kind: KindUnauthorized, Message: message, Err: err}
}

// BadRequest reports malformed input.
func BadRequest(reason, message string) *Error {
	return &Error{Kind: KindBadRequest, Reason: reason, Message: message}
}

// FeatureRestricted reports a free caller using a pro-only origin.
func FeatureRestricted(origin string) *Error {
	return &Error{
		Kind:    KindForbidden,
		Reason:  ReasonFeatureRestricted,
		Message: fmt.Sprintf("feature %q requires a pro plan", origin),
	}
}

// QuotaExceeded reports an exhausted monthly budget.
func QuotaExceeded(used, limit int64) *Error {
	return &Error{
		Kind:    KindForbidden,
		Reason:  ReasonQuotaExceeded,
		Message: fmt.Sprintf("monthly token quota exceeded (%d/%d)", used, limit),
		Used:    used,
		Limit:   limit,
	}
}

// ProviderNotFound reports an unknown or inactive provider id.
func ProviderNotFound(providerID string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Reason:  ReasonProvider,
		Message: fmt.Sprintf("provider %q not found or inactive", providerID),
	}
}

// RateLimited reports a caller over the request rate limit.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Reason: ReasonRateLimited, Message: "rate limit exceeded"}
}

// Upstream reports a failed vendor call. The message stays generic; the
// vendor detail lives in err.
func Upstream(reason string, err error) *Error {
	return &Error{Kind: KindUpstream, Reason: reason, Message: "upstream provider request failed", Err: err}
}

// Internal reports a store or infrastructure failure.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// From classifies any error. Unclassified errors become internal errors.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal error", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// PublicMessage is the text safe to return to a caller.
func (e *Error) PublicMessage() string {
	switch e.Kind {
	case KindUpstream:
		return "upstream provider request failed"
	case KindInternal:
		return "internal server error"
	default:
		return e.Message
	}
}
