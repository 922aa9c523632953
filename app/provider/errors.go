package provider

import (
	"errors"
	"fmt"
)

var ErrProviderNotSupported = errors.New("provider is not supported")

const (
	ErrorKindAuth        = "auth"
	ErrorKindNetwork     = "network"
	ErrorKindValidation  = "validation"
	ErrorKindDeclined    = "declined"
	ErrorKindRateLimited = "rate_limited"
)

// Error is the normalized failure an adapter returns for any
// non-success provider response. Kind decides retryability; the raw
// provider message is kept for operators only.
type Error struct {
	Provider string
	Kind     string
	Message  string
	HTTPCode int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether the caller may retry the operation with the
// same idempotency key.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindNetwork || e.Kind == ErrorKindRateLimited
}

// AsError unwraps a provider error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable classifies arbitrary errors from an adapter call. Anything
// that is not a typed provider error counts as a network failure, the
// fail-safe default for transport problems and timeouts.
func Retryable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Retryable()
	}
	return true
}

func newError(providerName, kind, message string, httpCode int) *Error {
	return &Error{Provider: providerName, Kind: kind, Message: message, HTTPCode: httpCode}
}

func wrapTransport(providerName string, err error) *Error {
	return &Error{Provider: providerName, Kind: ErrorKindNetwork, Message: err.Error()}
}

func kindFromHTTPStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrorKindAuth
	case status == 402:
		return ErrorKindDeclined
	case status == 429:
		return ErrorKindRateLimited
	case status >= 500:
		return ErrorKindNetwork
	default:
		return ErrorKindValidation
	}
}
