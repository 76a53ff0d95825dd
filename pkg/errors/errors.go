// Package errors defines the closed error taxonomy for gateway operations.
// Every terminal error surfaced to a caller belongs to exactly one category,
// and carries enough detail to diagnose the failing stage and constraint.
package errors

import (
	"errors"
	"fmt"
)

// Category groups error codes by subsystem.
type Category string

const (
	CategoryConfiguration  Category = "configuration"
	CategoryRouting        Category = "routing"
	CategoryProvider       Category = "provider"
	CategoryCache          Category = "cache"
	CategoryRateLimit      Category = "rate_limit"
	CategoryCircuitBreaker Category = "circuit_breaker"
	CategoryAdmission      Category = "admission"
)

// Code identifies a specific failure within a category. The set is closed;
// new codes are added here, never constructed ad hoc.
type Code string

const (
	// Configuration
	CodeInvalidDescriptor Code = "invalid_descriptor"
	CodeInvalidRequest    Code = "invalid_request"
	CodeBackendNotFound   Code = "backend_not_found"

	// Routing, one code per filter stage plus exhaustion.
	CodeNoCapableBackend       Code = "no_capable_backend"
	CodeContextExceeded        Code = "context_exceeded"
	CodeResidencyViolation     Code = "residency_violation"
	CodeAllUnhealthy           Code = "all_unhealthy"
	CodeAllBackendsUnavailable Code = "all_backends_unavailable"

	// Provider
	CodeProviderTimeout     Code = "provider_timeout"
	CodeProviderAuth        Code = "provider_auth"
	CodeProviderRateLimited Code = "provider_rate_limited"
	CodeMalformedResponse   Code = "malformed_response"
	CodeUnsupportedModel    Code = "unsupported_model"

	// Cache
	CodeCacheUnavailable Code = "cache_unavailable"
	CodeEmbeddingFailed  Code = "embedding_failed"

	// RateLimit
	CodeRequestRateExceeded Code = "request_rate_exceeded"
	CodeUnitRateExceeded    Code = "unit_rate_exceeded"

	// CircuitBreaker
	CodeCircuitOpen    Code = "circuit_open"
	CodeTrialExhausted Code = "half_open_trial_exhausted"

	// Admission
	CodeQueueFull        Code = "queue_full"
	CodeDeadlineExceeded Code = "deadline_exceeded"
)

// Error is the unified gateway error. It implements error and supports
// errors.Is/As matching by category and code.
type Error struct {
	Category  Category
	Code      Code
	Message   string
	BackendID string
	Provider  string
	// Stage names the routing filter that emptied the candidate set.
	Stage string
	// Retryable marks errors that should trigger failover to the next
	// candidate rather than terminate the request.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
	if e.BackendID != "" {
		msg += fmt.Sprintf(" (backend=%s)", e.BackendID)
	}
	if e.Stage != "" {
		msg += fmt.Sprintf(" (stage=%s)", e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by category and, when set, code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Category != "" && t.Category != e.Category {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// CategoryOf returns the category of err, or "" if err is not a gateway error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// CodeOf returns the code of err, or "" if err is not a gateway error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err should trigger failover.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// NewConfiguration creates a terminal configuration error.
func NewConfiguration(code Code, message string) *Error {
	return &Error{Category: CategoryConfiguration, Code: code, Message: message}
}

// NewRouting creates a terminal routing error for the named filter stage.
func NewRouting(code Code, stage, message string) *Error {
	return &Error{Category: CategoryRouting, Code: code, Stage: stage, Message: message}
}

// NewProvider creates a provider error. Provider errors are retryable by
// default: the orchestrator converts them into try-next-candidate signals.
func NewProvider(code Code, backendID, provider, message string, cause error) *Error {
	return &Error{
		Category:  CategoryProvider,
		Code:      code,
		BackendID: backendID,
		Provider:  provider,
		Message:   message,
		Retryable: true,
		Err:       cause,
	}
}

// NewCache creates a cache infrastructure error. These are logged and
// treated as misses, never surfaced to callers.
func NewCache(code Code, message string, cause error) *Error {
	return &Error{Category: CategoryCache, Code: code, Message: message, Err: cause}
}

// NewRateLimit creates a logical limit-exceeded error. Unlike rate-limiter
// infrastructure errors (which fail open), these are terminal.
func NewRateLimit(code Code, caller, backend string) *Error {
	return &Error{
		Category:  CategoryRateLimit,
		Code:      code,
		BackendID: backend,
		Message:   fmt.Sprintf("caller %q exceeded %s for backend %q", caller, code, backend),
	}
}

// NewAdmission creates an admission control error.
func NewAdmission(code Code, message string) *Error {
	return &Error{Category: CategoryAdmission, Code: code, Message: message}
}

// NewCircuit creates a circuit breaker rejection for the given backend.
func NewCircuit(code Code, backendID string) *Error {
	return &Error{
		Category:  CategoryCircuitBreaker,
		Code:      code,
		BackendID: backendID,
		Message:   fmt.Sprintf("circuit for backend %q rejected the call", backendID),
		Retryable: true,
	}
}
