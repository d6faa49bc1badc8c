package authkit

import "errors"

// Session failures surfaced to HTTP callers. Anything not matching one of these is
// treated as an unexpected failure.
var (
	ErrValidation         = errors.New("auth.validation")
	ErrConflict           = errors.New("auth.conflict")
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	ErrUnauthenticated    = errors.New("auth.unauthenticated")
)

// ValidationError names the missing or malformed input.
type ValidationError struct {
	Message string
}

func (validation *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + validation.Message
}

// Unwrap lets errors.Is match ErrValidation.
func (validation *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(message string) error {
	return &ValidationError{Message: message}
}
