package provider

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/z-chat/backend/internal/analysis/retry"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
)

// Kind classifies a dispatch failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindHTTP        Kind = "http"
	KindMalformed   Kind = "malformed"
	KindRateLimit   Kind = "rate_limit"
	KindCapability  Kind = "capability"
	KindEmpty       Kind = "empty"
	KindUnavailable Kind = "unavailable"
)

var (
	ErrNetwork               = errors.New("network error")
	ErrUpstream              = errors.New("upstream returned an error")
	ErrMalformedResponse     = errors.New("malformed response")
	ErrRateLimited           = errors.New("rate limited")
	ErrUnsupportedCapability = errors.New("model does not support this input")
	ErrEmptyResponse         = errors.New("empty response")
	ErrProviderUnavailable   = errors.New("provider unavailable")
)

var kindSentinels = map[Kind]error{
	KindNetwork:     ErrNetwork,
	KindHTTP:        ErrUpstream,
	KindMalformed:   ErrMalformedResponse,
	KindRateLimit:   ErrRateLimited,
	KindCapability:  ErrUnsupportedCapability,
	KindEmpty:       ErrEmptyResponse,
	KindUnavailable: ErrProviderUnavailable,
}

// Error is a classified provider failure. Message is what the upstream said
// and is safe to show to the user.
type Error struct {
	Provider catalog.Provider
	Kind     Kind
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(p catalog.Provider, kind Kind, status int, message string, cause error) *Error {
	// upstream messages that talk about quotas are rate limits whatever the status
	if kind == KindHTTP && retry.IsRateLimit(message) {
		kind = KindRateLimit
	}
	return &Error{Provider: p, Kind: kind, Status: status, Message: message, Err: cause}
}

func statusError(p catalog.Provider, status int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("API request failed with status %d", status)
	}
	kind := KindHTTP
	if status == 429 {
		kind = KindRateLimit
	}
	return newError(p, kind, status, message, nil)
}

// KindOf returns the classification of err, or "" when it is not a provider error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// IsRateLimited reports whether err is a rate limit or quota failure.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || retry.IsRateLimit(err.Error())
}

const emptyReplyMessage = "The AI did not return a response. Please try again."
