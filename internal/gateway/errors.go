package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sells-group/advisor/internal/resilience"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindNoProvider    ErrorKind = "no_provider"
	KindTransport     ErrorKind = "transport"
	KindStatus        ErrorKind = "status"
	KindTimeout       ErrorKind = "timeout"
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindEmptyResponse ErrorKind = "empty_response"
	KindCancelled     ErrorKind = "cancelled"
)

// ProviderError is returned for every failed Invoke.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("gateway: provider %q: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err carries a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// newProviderError builds a ProviderError and marks retryable kinds as
// transient so resilience.IsTransient recognizes them.
func newProviderError(provider string, kind ErrorKind, status int, err error) *ProviderError {
	if err == nil {
		err = errors.New(string(kind))
	}
	if transientKind(kind, status) {
		err = resilience.NewTransientError(err, status)
	}
	return &ProviderError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

// StatusError is returned by adapters when the provider answered with a
// non-success HTTP status.
func StatusError(provider string, status int, err error) *ProviderError {
	return newProviderError(provider, KindStatus, status, err)
}

func transientKind(kind ErrorKind, status int) bool {
	switch kind {
	case KindTransport, KindTimeout:
		return true
	case KindStatus:
		return resilience.IsTransientHTTPStatus(status)
	default:
		return false
	}
}

// classify turns an adapter error into a ProviderError. parent is the
// caller's context, call the timeout-bounded one derived from it.
func classify(parent, call context.Context, provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return pe
	}
	switch {
	case parent.Err() != nil:
		return newProviderError(provider, KindCancelled, 0, err)
	case errors.Is(call.Err(), context.DeadlineExceeded):
		return newProviderError(provider, KindTimeout, 0, err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return newProviderError(provider, KindCircuitOpen, 0, err)
	default:
		return newProviderError(provider, KindTransport, 0, err)
	}
}

// shouldTrip decides which failures count toward opening a provider's
// breaker: caller cancellation and client errors other than 429 do not.
func shouldTrip(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return err != nil
	}
	switch pe.Kind {
	case KindCancelled, KindCircuitOpen:
		return false
	case KindStatus:
		return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
	default:
		return true
	}
}
