// Package fault defines the tagged error kinds that cross agent, executor,
// and adapter boundaries. Errors are values carrying a Kind, never panics.
package fault

import (
	"errors"
	"fmt"
)

// Kind tags an error with its taxonomy class.
type Kind string

const (
	// Credential / ACL rejections. Fatal to the action, never retried.
	AuthenticationFailed Kind = "authentication_failed"
	Forbidden            Kind = "forbidden"

	// Transient upstream failures. Executors may retry with bounded backoff.
	RateLimitExceeded  Kind = "rate_limit_exceeded"
	ServiceUnavailable Kind = "service_unavailable"
	BadGateway         Kind = "bad_gateway"
	GatewayTimeout     Kind = "gateway_timeout"
	RequestTimeout     Kind = "request_timeout"

	// Caller / contract errors. Surfaced immediately, logged at warning.
	InvalidParam          Kind = "invalid_param"
	MissingRequiredParam  Kind = "missing_required_param"
	UnsupportedAuthType   Kind = "unsupported_auth_type"
	InvalidResponseFormat Kind = "invalid_response_format"
	ParseFailed           Kind = "parse_failed"

	// Budget enforcement.
	BudgetExceeded     Kind = "budget_exceeded"
	WouldViolateEscrow Kind = "would_violate_escrow"
	InsufficientBudget Kind = "insufficient_budget"

	// Credential / secret issues.
	DecryptionFailed Kind = "decryption_failed"
	NotFound         Kind = "not_found"

	// Executor lifecycle.
	RouterExit    Kind = "router_exit"
	ActionCrashed Kind = "action_crashed"

	// Remote handshake (MCP and similar).
	InitializationTimeout Kind = "initialization_timeout"
	ConnectionFailed      Kind = "connection_failed"

	// Unknown is returned by KindOf for errors outside the taxonomy.
	Unknown Kind = "unknown"
)

// Error is a tagged error. Meta carries structured detail for kinds that
// declare one (e.g. would_violate_escrow).
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches any *Error with the same Kind, so callers can write
// errors.Is(err, fault.New(fault.BudgetExceeded, "")).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return fe.Kind == e.Kind
}

// New creates a tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error, preserving it for errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithMeta attaches structured detail and returns the error.
func (e *Error) WithMeta(meta map[string]any) *Error {
	e.Meta = meta
	return e
}

// KindOf extracts the Kind from any error in the chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the kind is in the transient upstream class.
func Retryable(kind Kind) bool {
	switch kind {
	case RateLimitExceeded, ServiceUnavailable, BadGateway, GatewayTimeout, RequestTimeout:
		return true
	}
	return false
}

// Fatal reports whether the kind must never be retried.
func Fatal(kind Kind) bool {
	switch kind {
	case AuthenticationFailed, Forbidden, BudgetExceeded, InsufficientBudget:
		return true
	}
	return false
}

// Escrow builds the structured would_violate_escrow error returned when a
// budget decrease would cut below what is already spent or committed.
func Escrow(spent, committed, minimum, requested float64) *Error {
	return &Error{
		Kind:    WouldViolateEscrow,
		Message: fmt.Sprintf("requested %.2f is below minimum %.2f (spent %.2f + committed %.2f)", requested, minimum, spent, committed),
		Meta: map[string]any{
			"spent":     spent,
			"committed": committed,
			"minimum":   minimum,
			"requested": requested,
		},
	}
}

// Exit builds the router_exit error an agent records when a monitored
// executor terminates without reporting a result.
func Exit(reason string) *Error {
	return &Error{Kind: RouterExit, Message: reason, Meta: map[string]any{"reason": reason}}
}

// Crashed builds the action_crashed error for an executor that panicked.
func Crashed(message string) *Error {
	return &Error{Kind: ActionCrashed, Message: message, Meta: map[string]any{"message": message}}
}
