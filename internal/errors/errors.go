// Package errors provides centralized error definitions and error handling
// utilities for the capmesh codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and error
// classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - RegistryError: errors related to worker registration and claims
//   - BidError: errors related to bid round execution
//   - AdmissionError: errors related to fairness budgets and flow control
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewRegistryError("claim rejected", errors.ErrWorkAlreadyClaimed)
//
//	// Semantic error
//	err := errors.NewNotFoundError("worker", "agent-7")
//
// Checking errors:
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrWorkerNotFound) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Registry-related sentinel errors
var (
	// ErrWorkerNotFound indicates that a worker id is not registered.
	ErrWorkerNotFound = New("worker not found")
	// ErrWorkerExists indicates that a worker id is already registered.
	ErrWorkerExists = New("worker already registered")
	// ErrNoCapabilities indicates a registration with an empty capability set.
	ErrNoCapabilities = New("worker declares no capabilities")
	// ErrWorkAlreadyClaimed indicates that a work id already has an active claim.
	ErrWorkAlreadyClaimed = New("work already claimed")
)

// Admission-related sentinel errors
var (
	// ErrBudgetExhausted indicates that a correlation or the global task
	// budget has no free slots.
	ErrBudgetExhausted = New("task budget exhausted")
	// ErrQueueFull indicates that the task runtime queue is at capacity.
	ErrQueueFull = New("task queue full")
	// ErrSystemOverloaded indicates that system-wide utilization is above
	// the configured load threshold.
	ErrSystemOverloaded = New("system overloaded")
)

// Lifecycle sentinel errors
var (
	// ErrAlreadyStarted indicates that a component was started twice.
	ErrAlreadyStarted = New("already started")
	// ErrNotStarted indicates that an operation requires a started component.
	ErrNotStarted = New("not started")
	// ErrStopped indicates that the component has been shut down.
	ErrStopped = New("stopped")
)

// -----------------------------------------------------------------------------
// Domain Error Types
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

// RegistryError represents an error from worker registration, lookup,
// heartbeat, or claim operations.
type RegistryError struct {
	baseError
	WorkerID string
	WorkID   string
}

// NewRegistryError creates a RegistryError wrapping the given cause.
func NewRegistryError(message string, cause error) *RegistryError {
	return &RegistryError{baseError: baseError{message: message, cause: cause}}
}

// WithWorker attaches a worker id to the error for context.
func (e *RegistryError) WithWorker(workerID string) *RegistryError {
	e.WorkerID = workerID
	return e
}

// WithWork attaches a work id to the error for context.
func (e *RegistryError) WithWork(workID string) *RegistryError {
	e.WorkID = workID
	return e
}

func (e *RegistryError) Error() string {
	msg := e.baseError.Error()
	if e.WorkerID != "" {
		msg = fmt.Sprintf("%s (worker: %s)", msg, e.WorkerID)
	}
	if e.WorkID != "" {
		msg = fmt.Sprintf("%s (work: %s)", msg, e.WorkID)
	}
	return msg
}

// BidError represents an error from bid round execution. Individual worker
// bid failures are never surfaced as BidError; they are swallowed by the
// coordinator. BidError covers misuse (empty work spec, stopped coordinator).
type BidError struct {
	baseError
	Capability string
}

// NewBidError creates a BidError wrapping the given cause.
func NewBidError(message string, cause error) *BidError {
	return &BidError{baseError: baseError{message: message, cause: cause}}
}

// WithCapability attaches the requested capability for context.
func (e *BidError) WithCapability(capability string) *BidError {
	e.Capability = capability
	return e
}

func (e *BidError) Error() string {
	msg := e.baseError.Error()
	if e.Capability != "" {
		msg = fmt.Sprintf("%s (capability: %s)", msg, e.Capability)
	}
	return msg
}

// AdmissionError represents a rejection by the fairness budgeter or the
// flow controller. Admission errors are always retryable: the caller may
// resubmit once load drops or a budget slot frees up.
type AdmissionError struct {
	baseError
	CorrelationID string
}

// NewAdmissionError creates an AdmissionError wrapping the given cause.
func NewAdmissionError(message string, cause error) *AdmissionError {
	return &AdmissionError{baseError: baseError{message: message, cause: cause, retryable: true}}
}

// WithCorrelation attaches the correlation id for context.
func (e *AdmissionError) WithCorrelation(correlationID string) *AdmissionError {
	e.CorrelationID = correlationID
	return e
}

func (e *AdmissionError) Error() string {
	msg := e.baseError.Error()
	if e.CorrelationID != "" {
		msg = fmt.Sprintf("%s (correlation: %s)", msg, e.CorrelationID)
	}
	return msg
}

// IsRetryable reports whether this admission error may succeed on retry.
func (e *AdmissionError) IsRetryable() bool { return e.retryable }

// -----------------------------------------------------------------------------
// Semantic Error Types
// -----------------------------------------------------------------------------

// NotFoundError indicates that a named resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

// NewNotFoundError creates a NotFoundError for the given resource kind and id.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates invalid input or configuration.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// retryable is implemented by errors that know whether a retry may succeed.
type retryable interface {
	IsRetryable() bool
}

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry. Admission rejections and overload are retryable; misuse
// and not-found errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrBudgetExhausted) || Is(err, ErrQueueFull) || Is(err, ErrSystemOverloaded) {
		return true
	}
	var r retryable
	if As(err, &r) {
		return r.IsRetryable()
	}
	return false
}
