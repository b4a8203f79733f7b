package errors

import (
	"errors"
	"fmt"
)

// AppError represents a structured application error
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Cause:   appErr,
		}
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// GetCode returns the error code if it's an AppError, otherwise "UNKNOWN"
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Predefined error codes.
//
// The four pipeline codes are its complete failure taxonomy: input and
// configuration problems are fatal before any computation begins,
// convergence failures are per-variant and subject to the configured
// policy, numerical anomalies always carry the offending (variant, study).
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeConfigInvalid      = "CONFIG_INVALID"
	CodeConvergenceFailure = "CONVERGENCE_FAILURE"
	CodeNumericalAnomaly   = "NUMERICAL_ANOMALY"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Common error constructors

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message)
}

func ConfigInvalid(message string) *AppError {
	return New(CodeConfigInvalid, message)
}

func ConvergenceFailure(message string) *AppError {
	return New(CodeConvergenceFailure, message)
}

func NumericalAnomaly(message string) *AppError {
	return New(CodeNumericalAnomaly, message)
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message)
}

// IsInvalidInput reports whether err is an input validation failure
func IsInvalidInput(err error) bool { return HasCode(err, CodeInvalidInput) }

// IsConfigInvalid reports whether err is a configuration failure
func IsConfigInvalid(err error) bool { return HasCode(err, CodeConfigInvalid) }

// IsConvergenceFailure reports whether err is an estimator convergence failure
func IsConvergenceFailure(err error) bool { return HasCode(err, CodeConvergenceFailure) }

// IsNumericalAnomaly reports whether err is a reportable numerical anomaly
func IsNumericalAnomaly(err error) bool { return HasCode(err, CodeNumericalAnomaly) }
