// Package classify implements the closed error taxonomy shared by every
// component that can fail at a boundary: the command API, provider drivers,
// the ledger, and the docstore. It is the single place a raw error becomes a
// ServiceError carrying an HTTP status, a user-safe message, and a retry hint.
package classify

import (
	"errors"
	"fmt"
	"net/http"
)

// Category is the closed taxonomy from the error classifier component.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryRateLimit  Category = "rate_limit"
	CategorySafety     Category = "safety"
	CategoryValidation Category = "validation"
	CategoryResource   Category = "resource"
	CategoryService    Category = "service"
	CategoryInternal   Category = "internal"
)

// Severity ranks how loudly an error should be surfaced to operators.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Code is the envelope code from the command API's error contract (§6).
type Code string

const (
	CodeUnauthenticated    Code = "Unauthenticated"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeNotFound           Code = "NotFound"
	CodeInvalidArgument    Code = "InvalidArgument"
	CodeFailedPrecondition Code = "FailedPrecondition"
	CodeResourceExhausted  Code = "ResourceExhausted"
	CodeInternal           Code = "Internal"
)

// ServiceError is the closed error type every boundary returns.
type ServiceError struct {
	Category              Category
	Severity              Severity
	Code                  Code
	Message               string // user-safe
	Technical             string // internal-only, never sent to clients
	Retryable             bool
	SuggestedRetryDelayMs *int
	Details               map[string]interface{}

	cause error
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.Technical != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Technical)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.cause
}

// HTTPStatus maps Code to the transport-level status the API layer writes.
func (e *ServiceError) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeFailedPrecondition:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WithDetails attaches structured context and returns the same error for
// fluent chaining at the call site.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause attaches the originating error without exposing it to Message.
func (e *ServiceError) WithCause(err error) *ServiceError {
	e.cause = err
	if e.Technical == "" && err != nil {
		e.Technical = err.Error()
	}
	return e
}

// GetServiceError unwraps err looking for a *ServiceError, following chains
// built with fmt.Errorf("...: %w", err).
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

func delayPtr(ms int) *int { return &ms }

// Constructors, one per category/code pair actually used by the pipeline.

func Unauthenticated(message string) *ServiceError {
	return &ServiceError{Category: CategoryValidation, Severity: SeverityWarning, Code: CodeUnauthenticated, Message: message, Retryable: false}
}

func PermissionDenied(message string) *ServiceError {
	return &ServiceError{Category: CategoryValidation, Severity: SeverityWarning, Code: CodePermissionDenied, Message: message, Retryable: false}
}

func NotFound(message string) *ServiceError {
	return &ServiceError{Category: CategoryValidation, Severity: SeverityWarning, Code: CodeNotFound, Message: message, Retryable: false}
}

func InvalidArgument(message string) *ServiceError {
	return &ServiceError{Category: CategoryValidation, Severity: SeverityWarning, Code: CodeInvalidArgument, Message: message, Retryable: false}
}

func FailedPrecondition(message string) *ServiceError {
	return &ServiceError{Category: CategoryValidation, Severity: SeverityWarning, Code: CodeFailedPrecondition, Message: message, Retryable: false}
}

// ResourceExhausted covers both insufficient credits and the regeneration cap.
func ResourceExhausted(message string) *ServiceError {
	return &ServiceError{Category: CategoryResource, Severity: SeverityWarning, Code: CodeResourceExhausted, Message: message, Retryable: false}
}

// RateLimitExceeded is resource-exhausted at the transport boundary, carrying
// a retry-after hint.
func RateLimitExceeded(limitPerSecond int, window string) *ServiceError {
	return &ServiceError{
		Category:              CategoryRateLimit,
		Severity:              SeverityWarning,
		Code:                  CodeResourceExhausted,
		Message:               fmt.Sprintf("rate limit exceeded (%d/%s)", limitPerSecond, window),
		Retryable:             true,
		SuggestedRetryDelayMs: delayPtr(1000),
	}
}

func InvalidToken(err error) *ServiceError {
	se := &ServiceError{Category: CategoryValidation, Severity: SeverityWarning, Code: CodeUnauthenticated, Message: "invalid or expired token", Retryable: false}
	if err != nil {
		se.WithCause(err)
	}
	return se
}

// Network wraps a transient provider-transport failure; retryable by default.
func Network(message string, cause error) *ServiceError {
	return (&ServiceError{Category: CategoryNetwork, Severity: SeverityError, Code: CodeInternal, Message: message, Retryable: true, SuggestedRetryDelayMs: delayPtr(2000)}).WithCause(cause)
}

// Safety marks a vision-provider content refusal; never auto-retried.
func Safety(message string) *ServiceError {
	return &ServiceError{Category: CategorySafety, Severity: SeverityError, Code: CodeFailedPrecondition, Message: message, Retryable: false}
}

// ServiceFailure marks a provider-reported terminal failed state.
func ServiceFailure(message string, cause error) *ServiceError {
	return (&ServiceError{Category: CategoryService, Severity: SeverityError, Code: CodeInternal, Message: message, Retryable: false}).WithCause(cause)
}

// Internal marks a bug or storage failure; severity critical.
func Internal(message string, cause error) *ServiceError {
	return (&ServiceError{Category: CategoryInternal, Severity: SeverityCritical, Code: CodeInternal, Message: message, Retryable: false}).WithCause(cause)
}

// ShouldAutoRetry is the classifier's advisory retry decision. The pipeline
// engine never calls this automatically, and neither does the background
// poll worker; nothing in this module consults it.
func ShouldAutoRetry(err *ServiceError, attempts, max int) bool {
	if err == nil || !err.Retryable {
		return false
	}
	if max <= 0 {
		max = 3
	}
	return attempts < max
}
