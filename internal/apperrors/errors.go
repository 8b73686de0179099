package apperrors

import "errors"

// Fetch-side errors
var (
	// ErrSourceUnavailable is returned when the registration API cannot be
	// reached or answers with a non-success status.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceDecode is returned when a response body does not match the
	// expected registration page schema.
	ErrSourceDecode = errors.New("source response could not be decoded")
)

// ErrNotFound is returned by lookups that match no row
var ErrNotFound = errors.New("resource not found")

// Write-side errors
var (
	ErrWriteConflict  = errors.New("write conflict")
	ErrConnectionLost = errors.New("connection lost")
	ErrValidation     = errors.New("validation failed")
)

// Is returns whether err matches target or any of errList
func Is(err, target error, errList ...error) bool {
	if errors.Is(err, target) {
		return true
	}
	for _, e := range errList {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// CustomError attaches a message to one of the sentinel errors above
type CustomError struct {
	Err     error
	Message string
}

// Error implements error interface
func (e *CustomError) Error() string {
	if e.Message != "" && e.Err != nil {
		return e.Err.Error() + ": " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// Unwrap implements errors.Unwrap interface
func (e *CustomError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error with a message
func NewValidationError(message string) error {
	return &CustomError{Err: ErrValidation, Message: message}
}

// NewSourceUnavailableError creates a fetch error with a message
func NewSourceUnavailableError(message string) error {
	return &CustomError{Err: ErrSourceUnavailable, Message: message}
}

// Kind names the taxonomy entry err belongs to, or "unknown"
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrSourceDecode):
		return "source_decode"
	case errors.Is(err, ErrWriteConflict):
		return "write_conflict"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "unknown"
	}
}
