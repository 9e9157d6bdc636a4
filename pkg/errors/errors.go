package errors

import (
	"errors"
	"fmt"
)

// Generic errors

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a collaborator is unavailable
	ErrUnavailable = errors.New("service unavailable")

	// ErrStorage indicates the storage layer could not persist or read state.
	// Storage failures are fatal for the cycle in which they happen.
	ErrStorage = errors.New("storage failure")
)

// Cycle errors

var (
	// ErrContextUnavailable indicates the inputs for a cycle are missing or stale
	ErrContextUnavailable = errors.New("context unavailable")

	// ErrEngineTimeout indicates the decision engine did not answer in time after all attempts
	ErrEngineTimeout = errors.New("decision engine timeout")

	// ErrEngineError indicates the decision engine failed or returned an unusable answer after all attempts
	ErrEngineError = errors.New("decision engine error")

	// ErrValidationRejected indicates a well-formed but unsafe action
	ErrValidationRejected = errors.New("action rejected by validation")

	// ErrEvolutionSkipped indicates the evaluation window has not been reached
	ErrEvolutionSkipped = errors.New("evolution skipped")

	// ErrAgentInactive indicates the agent is paused or discarded
	ErrAgentInactive = errors.New("agent is not active")

	// ErrCycleInProgress indicates another replica holds the cycle lease for the agent
	ErrCycleInProgress = errors.New("cycle already in progress")
)

// Portfolio errors

var (
	// ErrInsufficientFunds indicates an open would take cash below zero
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoOpenPosition indicates a close for a symbol without an open position
	ErrNoOpenPosition = errors.New("no open position")

	// ErrPositionExists indicates an open position already exists on the symbol
	ErrPositionExists = errors.New("position already open for symbol")

	// ErrPositionLimit indicates the agent reached its open position ceiling
	ErrPositionLimit = errors.New("open position limit reached")

	// ErrFleetPositionLimit indicates the fleet-wide open position budget is exhausted
	ErrFleetPositionLimit = errors.New("fleet open position budget exhausted")
)

// Kind returns the taxonomy name of err, or "internal" when err matches none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrContextUnavailable):
		return "context_unavailable"
	case errors.Is(err, ErrEngineTimeout):
		return "engine_timeout"
	case errors.Is(err, ErrEngineError):
		return "engine_error"
	case errors.Is(err, ErrValidationRejected):
		return "validation_rejected"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNoOpenPosition):
		return "no_open_position"
	case errors.Is(err, ErrPositionExists):
		return "position_exists"
	case errors.Is(err, ErrPositionLimit), errors.Is(err, ErrFleetPositionLimit):
		return "position_limit"
	case errors.Is(err, ErrEvolutionSkipped):
		return "evolution_skipped"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}

// IsPortfolioRejection reports whether err is a portfolio-local invariant violation.
// Such errors reject the action before any mutation.
func IsPortfolioRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNoOpenPosition) ||
		errors.Is(err, ErrPositionExists) ||
		errors.Is(err, ErrPositionLimit) ||
		errors.Is(err, ErrFleetPositionLimit) ||
		errors.Is(err, ErrInvalidInput)
}

// DomainError wraps an error with a machine readable code
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err}
}

// ValidationError carries the field that failed a check
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Unwrap lets callers match validation errors against ErrInvalidInput
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join combines errors, dropping nils
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Storage marks err as a storage failure while keeping its chain
func Storage(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", message, ErrStorage, err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
