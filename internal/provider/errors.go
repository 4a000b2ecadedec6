package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind categorises provider failures across the gateway boundary.
type ErrorKind string

const (
	ErrAuthFailure        ErrorKind = "AUTH_FAILURE"
	ErrRateLimited        ErrorKind = "RATE_LIMITED"
	ErrTimeout            ErrorKind = "TIMEOUT"
	ErrServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
	ErrBadRequest         ErrorKind = "BAD_REQUEST"
	ErrProvider           ErrorKind = "PROVIDER_ERROR"
)

// Error is a categorised provider failure. RetryAfter is set only for
// RATE_LIMITED responses that carried a retry hint.
type Error struct {
	ProviderID string
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.ProviderID, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.ProviderID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the executor may retry the same provider.
// RATE_LIMITED is never retried within one executor call; it is surfaced
// so a fallback provider can be selected instead.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrServiceUnavailable, ErrProvider:
		return true
	default:
		return false
	}
}

// NewError builds a categorised provider error.
func NewError(providerID string, kind ErrorKind, err error) *Error {
	return &Error{ProviderID: providerID, Kind: kind, Err: err}
}

// KindOf extracts the error kind from err, or PROVIDER_ERROR when err is
// not a categorised provider error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrProvider
}

// IsRetryable reports whether err permits a same-provider retry.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	// Uncategorised errors are treated as generic provider errors.
	return true
}
