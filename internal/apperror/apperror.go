// Package apperror defines the error taxonomy shared by every layer of the
// sandbox. Handlers map these to HTTP status codes; nothing below the handler
// layer knows about HTTP.
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	// ErrValidation covers length, syntax, forbidden-import and complexity
	// failures. Always raised before any backend runs, never retried.
	ErrValidation = errors.New("validation failed")
	// ErrSecurity is a specialization of validation reserved for policy
	// violations (forbidden imports). errors.Is(err, ErrValidation) also
	// holds for security errors.
	ErrSecurity = fmt.Errorf("security violation: %w", ErrValidation)
	// ErrExecution covers backend construction, protocol and runtime
	// failures during a run.
	ErrExecution = errors.New("execution failed")
	// ErrTimeout means the caller-declared execution deadline was exceeded.
	ErrTimeout = errors.New("execution timeout")
	// ErrInfrastructure means no backend was available or healthy.
	ErrInfrastructure = errors.New("infrastructure unavailable")
	// ErrNotFound means a requested resource does not exist.
	ErrNotFound = errors.New("not found")
)

// AppError carries a sentinel for classification, a human-readable message,
// and the per-item detail list callers need (every violation found, or every
// provider attempted, not just the first).
type AppError struct {
	Err     error
	Message string
	Details []string
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ValidationFailed wraps the full list of violations from the validator.
func ValidationFailed(violations []string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: "validation failed: " + strings.Join(violations, "; "),
		Details: violations,
	}
}

// SecurityViolation marks a policy violation such as a forbidden import.
func SecurityViolation(violations []string) *AppError {
	return &AppError{
		Err:     ErrSecurity,
		Message: "security violation: " + strings.Join(violations, "; "),
		Details: violations,
	}
}

// ExecutionFailed wraps a backend or protocol failure during a run.
func ExecutionFailed(message string) *AppError {
	return &AppError{
		Err:     ErrExecution,
		Message: message,
	}
}

// Timeout reports that the caller's execution deadline fired.
func Timeout(seconds int) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: fmt.Sprintf("execution timeout after %d seconds", seconds),
	}
}

// NotFound reports a missing resource by kind and identifier.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
	}
}

// NoHealthyBackend enumerates every provider attempted and every provider
// registered, to aid diagnosis when the fallback chain is exhausted.
func NoHealthyBackend(attempted, registered []string) *AppError {
	return &AppError{
		Err: ErrInfrastructure,
		Message: fmt.Sprintf("no healthy executor available. Tried: %s. Registered providers: %s",
			strings.Join(attempted, ", "), strings.Join(registered, ", ")),
		Details: attempted,
	}
}
