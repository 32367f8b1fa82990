package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrContractViolation = errors.New("contract violation")
)

// ConfigError represents a configuration-related error. At request time it
// signals misconfiguration (for example an identifier missing from the
// endpoint registry) and is never retried.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// ValidationError represents a validation failure over several fields.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("validation error: %s (%s)", e.Message, strings.Join(parts, "; "))
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// HasErrors reports whether any field error was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// ContractViolationError reports API misuse inside the gateway, such as
// buffering a response body that was already handed off as a stream. It is
// a programming error, not a network condition.
type ContractViolationError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation [%s]: %s", e.Op, e.Message)
}

// Is checks if the error matches the target.
func (e *ContractViolationError) Is(target error) bool {
	if target == ErrContractViolation {
		return true
	}
	_, ok := target.(*ContractViolationError)
	return ok
}

// NewContractViolationError creates a new ContractViolationError.
func NewContractViolationError(op, message string) *ContractViolationError {
	return &ContractViolationError{Op: op, Message: message}
}

// IsContractViolation reports whether err is or wraps a ContractViolationError.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}
