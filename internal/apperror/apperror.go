// Package apperror defines the application's error taxonomy.
//
// Every error a flow hands back to a handler is either one of the sentinels
// below (usually wrapped in an *AppError carrying a human-readable message),
// a provider error from the identity package, or a profile API error.
// Handlers use errors.Is / errors.As to pick the status code and the
// notification to show.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("Validation Error")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrBusy is returned when a submit arrives while the previous one for
	// the same flow is still in flight. The submit is not performed.
	ErrBusy = errors.New("operation already in progress")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthenticated returns an AppError for operations that need a signed-in
// identity when none is present.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: message,
	}
}

// Busy wraps ErrBusy with the name of the operation that is still running.
func Busy(operation string) *AppError {
	return &AppError{
		Err:     ErrBusy,
		Message: fmt.Sprintf("%s is already in progress", operation),
	}
}

// FieldErrors collects the validation failures found in err, keyed by field.
// Errors that are not field-level validation failures are ignored.
func FieldErrors(err error) map[string]string {
	out := map[string]string{}
	if err == nil {
		return out
	}

	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			for k, v := range FieldErrors(e) {
				if _, ok := out[k]; !ok {
					out[k] = v
				}
			}
		}
		return out
	}

	var appErr *AppError
	if errors.As(err, &appErr) && errors.Is(appErr, ErrValidation) && appErr.Field != "" {
		out[appErr.Field] = appErr.Message
	}
	return out
}
