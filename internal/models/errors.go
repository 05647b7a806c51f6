package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dohr-michael/quorum/internal/fault"
)

// ErrModelUnavailable reports a backend that answered with something other
// than a model response: refused connections, reverse proxies returning
// plain-text bodies, upstream capacity errors.
type ErrModelUnavailable struct {
	Provider string
	Body     string
	Cause    error
}

func (e *ErrModelUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("model backend %q unavailable: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("model backend %q unavailable: %s", e.Provider, e.Body)
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// Classify maps SDK and transport errors onto the fault taxonomy so callers
// can tell retryable upstream failures from fatal credential problems.
// Errors already carrying a fault kind pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.RequestTimeout, err, "model call timed out")
	}

	var unavail *ErrModelUnavailable
	if errors.As(err, &unavail) {
		return fault.Wrap(fault.ServiceUnavailable, err, "%s backend unavailable", unavail.Provider)
	}

	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		if kind, ok := kindForStatus(aerr.StatusCode); ok {
			return fault.Wrap(kind, err, "anthropic: http %d", aerr.StatusCode)
		}
	}

	// Most SDKs fold the status into the message; fall back to substrings.
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "unauthorized", "invalid api key", "invalid x-api-key"):
		return fault.Wrap(fault.AuthenticationFailed, err, "provider rejected credentials")
	case containsAny(msg, "403", "forbidden", "permission denied"):
		return fault.Wrap(fault.Forbidden, err, "provider denied access")
	case containsAny(msg, "429", "rate limit", "too many requests", "quota"):
		return fault.Wrap(fault.RateLimitExceeded, err, "provider rate limit")
	case containsAny(msg, "502", "bad gateway"):
		return fault.Wrap(fault.BadGateway, err, "upstream gateway error")
	case containsAny(msg, "503", "service unavailable", "overloaded"):
		return fault.Wrap(fault.ServiceUnavailable, err, "provider unavailable")
	case containsAny(msg, "504", "gateway timeout"):
		return fault.Wrap(fault.GatewayTimeout, err, "upstream gateway timeout")
	case containsAny(msg, "408", "timeout", "deadline exceeded"):
		return fault.Wrap(fault.RequestTimeout, err, "request timed out")
	case containsAny(msg, "connection refused", "no such host", "eof", "dial tcp"):
		return fault.Wrap(fault.ServiceUnavailable, err, "provider unreachable")
	}

	return err
}

func kindForStatus(code int) (fault.Kind, bool) {
	switch code {
	case http.StatusUnauthorized:
		return fault.AuthenticationFailed, true
	case http.StatusForbidden:
		return fault.Forbidden, true
	case http.StatusTooManyRequests:
		return fault.RateLimitExceeded, true
	case http.StatusRequestTimeout:
		return fault.RequestTimeout, true
	case http.StatusBadGateway:
		return fault.BadGateway, true
	case http.StatusServiceUnavailable:
		return fault.ServiceUnavailable, true
	case http.StatusGatewayTimeout:
		return fault.GatewayTimeout, true
	}
	return "", false
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
