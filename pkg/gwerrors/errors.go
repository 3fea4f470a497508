// Package gwerrors defines the error taxonomy shared by the gateway packages.
// Every concrete error embeds *BaseError so callers can classify any wrapped
// error with TypeOf without knowing the concrete type.
package gwerrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeConfig is a malformed or missing registry field, fatal at load.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection is a transport failure while connecting.
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeExhaustedRetries is returned once every connect attempt failed.
	ErrorTypeExhaustedRetries ErrorType = "exhausted_retries"
	// ErrorTypeBackoffActive fails fast while a server cools down.
	ErrorTypeBackoffActive ErrorType = "backoff_active"
	// ErrorTypeDeadlineExpired is a queued request that outlived its timeout.
	ErrorTypeDeadlineExpired ErrorType = "deadline_expired"
	// ErrorTypeCircuitOpen is a server isolated by its circuit breaker.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeToolNotFound means no server advertises the tool.
	ErrorTypeToolNotFound ErrorType = "tool_not_found"
	// ErrorTypeSchemaValidation means arguments failed the tool's input schema.
	ErrorTypeSchemaValidation ErrorType = "schema_validation"
	// ErrorTypeToolCall is a failure reported by the backend itself.
	ErrorTypeToolCall ErrorType = "tool_call"
	// ErrorTypeServerDisabled means the resolved server is disabled.
	ErrorTypeServerDisabled ErrorType = "server_disabled"
	// ErrorTypeTimeout is a breaker-enforced per-call timeout.
	ErrorTypeTimeout ErrorType = "timeout"
)

// BaseError is the base error type with common fields.
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error.
func (e *BaseError) Unwrap() error {
	return e.Err
}

// ErrorType reports the category; promoted to every embedding error.
func (e *BaseError) ErrorType() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error.
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

type typed interface {
	ErrorType() ErrorType
}

// TypeOf returns the category of the first classified error in err's chain, or
// an empty string when none is found.
func TypeOf(err error) ErrorType {
	var t typed
	if errors.As(err, &t) {
		return t.ErrorType()
	}
	return ""
}

// Is reports whether err's chain carries an error of the given category.
func Is(err error, errType ErrorType) bool {
	return err != nil && TypeOf(err) == errType
}

// ConfigError names the server and field that failed validation.
type ConfigError struct {
	*BaseError
	Server string
	Field  string
}

func NewConfigError(server, field, message string) *ConfigError {
	msg := message
	if server != "" {
		msg = fmt.Sprintf("server %q: %s", server, message)
	}
	if field != "" {
		msg = fmt.Sprintf("%s (field %q)", msg, field)
	}
	return &ConfigError{
		BaseError: NewBaseError(ErrorTypeConfig, msg, nil),
		Server:    server,
		Field:     field,
	}
}

// ConnectionError wraps a transport failure.
type ConnectionError struct {
	*BaseError
	Server string
}

func NewConnectionError(server string, err error) *ConnectionError {
	return &ConnectionError{
		BaseError: NewBaseError(ErrorTypeConnection, fmt.Sprintf("connection to %q failed", server), err),
		Server:    server,
	}
}

// ExhaustedRetriesError is returned after the last connect attempt failed.
type ExhaustedRetriesError struct {
	*BaseError
	Server     string
	Attempts   int
	RetryAfter time.Time
}

func NewExhaustedRetries(server string, attempts int, retryAfter time.Time, err error) *ExhaustedRetriesError {
	return &ExhaustedRetriesError{
		BaseError: NewBaseError(ErrorTypeExhaustedRetries,
			fmt.Sprintf("server %q unreachable after %d attempts, next retry after %s", server, attempts, retryAfter.Format(time.RFC3339)), err),
		Server:     server,
		Attempts:   attempts,
		RetryAfter: retryAfter,
	}
}

// BackoffActiveError fails a request while the server is in its retry window.
type BackoffActiveError struct {
	*BaseError
	Server     string
	RetryAfter time.Time
}

func NewBackoffActive(server string, retryAfter time.Time) *BackoffActiveError {
	return &BackoffActiveError{
		BaseError: NewBaseError(ErrorTypeBackoffActive,
			fmt.Sprintf("server %q is backing off until %s", server, retryAfter.Format(time.RFC3339)), nil),
		Server:     server,
		RetryAfter: retryAfter,
	}
}

// DeadlineExpiredError rejects a queued request whose deadline passed.
type DeadlineExpiredError struct {
	*BaseError
	Server   string
	Deadline time.Time
}

func NewDeadlineExpired(server string, deadline time.Time) *DeadlineExpiredError {
	return &DeadlineExpiredError{
		BaseError: NewBaseError(ErrorTypeDeadlineExpired,
			fmt.Sprintf("request to %q expired in queue at %s", server, deadline.Format(time.RFC3339Nano)), nil),
		Server:   server,
		Deadline: deadline,
	}
}

// CircuitOpenError is returned without touching the network.
type CircuitOpenError struct {
	*BaseError
	Server string
}

func NewCircuitOpen(server string) *CircuitOpenError {
	return &CircuitOpenError{
		BaseError: NewBaseError(ErrorTypeCircuitOpen, fmt.Sprintf("circuit open for %q", server), nil),
		Server:    server,
	}
}

// TimeoutError is raised by a breaker when the call outlives its budget.
type TimeoutError struct {
	*BaseError
	Server  string
	Timeout time.Duration
}

func NewTimeout(server string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{
		BaseError: NewBaseError(ErrorTypeTimeout, fmt.Sprintf("call to %q timed out after %s", server, timeout), nil),
		Server:    server,
		Timeout:   timeout,
	}
}

// ToolNotFoundError means no server advertises the tool.
type ToolNotFoundError struct {
	*BaseError
	Tool string
}

func NewToolNotFound(tool string) *ToolNotFoundError {
	return &ToolNotFoundError{
		BaseError: NewBaseError(ErrorTypeToolNotFound, fmt.Sprintf("no server provides tool %q", tool), nil),
		Tool:      tool,
	}
}

// SchemaValidationError means the arguments do not satisfy the input schema.
type SchemaValidationError struct {
	*BaseError
	Tool string
}

func NewSchemaValidation(tool string, err error) *SchemaValidationError {
	return &SchemaValidationError{
		BaseError: NewBaseError(ErrorTypeSchemaValidation, fmt.Sprintf("invalid arguments for %q", tool), err),
		Tool:      tool,
	}
}

// ToolCallError carries the message supplied by the backend for a failed
// call. Code is the HTTP status or JSON-RPC error code when known.
type ToolCallError struct {
	*BaseError
	Server string
	Tool   string
	Code   int
}

func NewToolCall(server, tool string, code int, message string) *ToolCallError {
	return &ToolCallError{
		BaseError: NewBaseError(ErrorTypeToolCall, message, nil),
		Server:    server,
		Tool:      tool,
		Code:      code,
	}
}

// ServerDisabledError is returned when routing lands on a disabled server.
type ServerDisabledError struct {
	*BaseError
	Server string
}

func NewServerDisabled(server string) *ServerDisabledError {
	return &ServerDisabledError{
		BaseError: NewBaseError(ErrorTypeServerDisabled, fmt.Sprintf("server %q is disabled", server), nil),
		Server:    server,
	}
}
