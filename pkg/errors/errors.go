// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the domain error taxonomy for the shared-context
// server and the envelope every error crosses the MCP boundary as.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes. The code strings are part of the wire contract.
const (
	// Input errors.
	ErrInvalidInput        = "INVALID_INPUT"
	ErrInvalidInputFormat  = "INVALID_INPUT_FORMAT"
	ErrContentTooLarge     = "CONTENT_TOO_LARGE"
	ErrInvalidSearchQuery  = "INVALID_SEARCH_QUERY"
	ErrSearchLimitExceeded = "SEARCH_LIMIT_EXCEEDED"
	ErrInvalidKey          = "INVALID_KEY"

	// Identity errors.
	ErrInvalidAPIKey              = "INVALID_API_KEY"
	ErrTokenExpired               = "TOKEN_EXPIRED"
	ErrTokenRevoked               = "TOKEN_REVOKED"
	ErrPermissionDenied           = "PERMISSION_DENIED"
	ErrVisibilityPermissionDenied = "VISIBILITY_PERMISSION_DENIED"

	// Resource errors.
	ErrSessionNotFound      = "SESSION_NOT_FOUND"
	ErrSessionInactive      = "SESSION_INACTIVE"
	ErrSessionLimitExceeded = "SESSION_LIMIT_EXCEEDED"
	ErrMemoryLimitExceeded  = "MEMORY_LIMIT_EXCEEDED"
	ErrMemoryNotFound       = "MEMORY_NOT_FOUND"

	// Concurrency and transient errors.
	ErrSessionLocked         = "SESSION_LOCKED"
	ErrDatabaseTimeout       = "DATABASE_TIMEOUT"
	ErrConnectionPoolExhaust = "CONNECTION_POOL_EXHAUSTED"
	ErrRequestTimeout        = "REQUEST_TIMEOUT"

	// Fatal errors.
	ErrStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrInternal           = "INTERNAL_ERROR"
)

// Severity classifies how serious an error is on the wire.
type Severity string

// Severity levels.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error represents a domain error in the application.
type Error struct {
	// Code is the SCREAMING_SNAKE contract code.
	Code string

	// Message is the human-readable error message.
	Message string

	// Severity is the wire severity; derived from Code when empty.
	Severity Severity

	// Recoverable reports whether the caller can fix the condition and retry.
	Recoverable bool

	// Suggestions are actionable hints for the caller.
	Suggestions []string

	// Context carries structured details (expected formats, limits, usage).
	Context map[string]any

	// RetryAfter is the retry hint in seconds for transient errors; 0 means unset.
	RetryAfter int

	// Related names MCP tools relevant to resolving the error.
	Related []string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with severity and recoverability derived from code.
func New(code, message string) *Error {
	severity, recoverable := classify(code)
	e := &Error{
		Code:        code,
		Message:     message,
		Severity:    severity,
		Recoverable: recoverable,
	}
	switch code {
	case ErrTokenExpired, ErrTokenRevoked, ErrPermissionDenied, ErrVisibilityPermissionDenied:
		e.Related = []string{"authenticate_agent"}
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error around a cause.
func Wrap(code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// With attaches a context key/value pair and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSuggestions attaches caller hints and returns the error for chaining.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithRetryAfter attaches a retry hint in seconds and returns the error for chaining.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// From returns err as an *Error, wrapping unknown errors as INTERNAL_ERROR.
func From(err error) *Error {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return Wrap(ErrInternal, "internal server error", err)
}

// Code returns the contract code of err, or INTERNAL_ERROR for unknown errors.
func Code(err error) string {
	return From(err).Code
}

// IsCode reports whether err carries the given contract code.
func IsCode(err error, code string) bool {
	var domainErr *Error
	return errors.As(err, &domainErr) && domainErr.Code == code
}

// Envelope is the JSON error shape crossing the MCP boundary.
type Envelope struct {
	Success          bool           `json:"success"`
	Error            string         `json:"error"`
	Code             string         `json:"code"`
	Severity         Severity       `json:"severity"`
	Recoverable      bool           `json:"recoverable"`
	Suggestions      []string       `json:"suggestions"`
	Context          map[string]any `json:"context"`
	RetryAfter       *int           `json:"retry_after,omitempty"`
	RelatedResources []string       `json:"related_resources,omitempty"`
	Timestamp        string         `json:"timestamp"`
}

// Envelope renders the error as its wire representation.
func (e *Error) Envelope() Envelope {
	env := Envelope{
		Success:          false,
		Error:            e.Message,
		Code:             e.Code,
		Severity:         e.Severity,
		Recoverable:      e.Recoverable,
		Suggestions:      e.Suggestions,
		Context:          e.Context,
		RelatedResources: e.Related,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
	if env.Suggestions == nil {
		env.Suggestions = []string{}
	}
	if env.Context == nil {
		env.Context = map[string]any{}
	}
	if e.RetryAfter > 0 {
		retryAfter := e.RetryAfter
		env.RetryAfter = &retryAfter
	}
	return env
}

// classify maps a code to its default severity and recoverability.
func classify(code string) (Severity, bool) {
	switch code {
	case ErrInvalidInput, ErrInvalidInputFormat, ErrContentTooLarge,
		ErrInvalidSearchQuery, ErrSearchLimitExceeded, ErrInvalidKey:
		return SeverityWarning, true
	case ErrInvalidAPIKey:
		return SeverityError, false
	case ErrTokenExpired, ErrTokenRevoked, ErrPermissionDenied, ErrVisibilityPermissionDenied:
		return SeverityError, true
	case ErrSessionNotFound, ErrSessionInactive, ErrSessionLimitExceeded,
		ErrMemoryLimitExceeded, ErrMemoryNotFound:
		return SeverityWarning, true
	case ErrSessionLocked, ErrDatabaseTimeout, ErrConnectionPoolExhaust, ErrRequestTimeout:
		return SeverityError, true
	case ErrStorageUnavailable, ErrInternal:
		return SeverityCritical, false
	default:
		return SeverityError, false
	}
}
