// Package apperror provides structured error handling following RFC 7807 Problem Details.
// Every failure a ledger operation reports to its caller is an AppError.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Infrastructure errors (5xx)
	CodeInternal                   = "INTERNAL_ERROR"
	CodeDatabase                   = "DATABASE_ERROR"
	CodeInvariantViolation         = "INVARIANT_VIOLATION"
	CodeTransferCompensationFailed = "TRANSFER_COMPENSATION_FAILED"

	// Validation errors (400)
	CodeValidation        = "VALIDATION_ERROR"
	CodeDerivedReadOnly   = "DERIVED_FIELD_READONLY"
	CodeInvalidMovement   = "INVALID_MOVEMENT"
	CodeInvalidAdjustment = "INVALID_ADJUSTMENT"

	// Business rule violations (422)
	CodeInsufficientStock = "INSUFFICIENT_STOCK"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound           = "NOT_FOUND"
	CodeUnknownReservation = "UNKNOWN_RESERVATION"

	// Conflict (409)
	CodeConflict                = "CONFLICT"
	CodeDuplicate               = "DUPLICATE_ENTRY"
	CodeConcurrentModification  = "CONCURRENT_MODIFICATION"
	CodeInvalidReservationState = "INVALID_RESERVATION_STATE"
	CodeIdempotency             = "IDEMPOTENCY_CONFLICT"
)

// AppError is the standard error type for the ledger.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, quantities, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewDerivedFieldReadOnly is returned when a caller tries to write an
// aggregate or classification field directly.
func NewDerivedFieldReadOnly(field string) *AppError {
	return &AppError{
		Code:       CodeDerivedReadOnly,
		Message:    fmt.Sprintf("%s is derived from batches and cannot be set", field),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"field": field},
	}
}

// NewInvalidMovement reports a bucket transition that the movement type does not allow.
func NewInvalidMovement(movementType, from, to string) *AppError {
	return &AppError{
		Code:       CodeInvalidMovement,
		Message:    fmt.Sprintf("movement %s cannot move stock from %s to %s", movementType, from, to),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"type": movementType, "from": from, "to": to},
	}
}

// NewInvalidAdjustment reports an adjustment that cannot be expressed as a bucket move.
func NewInvalidAdjustment(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidAdjustment,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewUnknownReservation is returned by consume for an id that was never issued.
func NewUnknownReservation(reservationID any) *AppError {
	return &AppError{
		Code:       CodeUnknownReservation,
		Message:    "Reservation does not exist",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"reservation_id": reservationID},
	}
}

// NewInsufficientStock creates a stock shortage error.
// Shortfall is requested minus available and always positive.
func NewInsufficientStock(productID string, requested, available int64) *AppError {
	return &AppError{
		Code:       CodeInsufficientStock,
		Message:    "Insufficient stock",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id": productID,
			"requested":  requested,
			"available":  available,
			"shortfall":  requested - available,
		},
	}
}

// NewInvalidReservationState reports an operation on a reservation in the wrong state.
func NewInvalidReservationState(reservationID any, state, operation string) *AppError {
	return &AppError{
		Code:       CodeInvalidReservationState,
		Message:    fmt.Sprintf("Reservation is %s and cannot be %s", state, operation),
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"reservation_id": reservationID,
			"state":          state,
			"operation":      operation,
		},
	}
}

// NewConcurrentModification creates an optimistic locking error
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeConcurrentModification,
		Message:    "Record was modified concurrently. Please retry.",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInvariantViolation signals that a write would break ledger accounting.
// The enclosing transaction must be rolled back.
func NewInvariantViolation(message string) *AppError {
	return &AppError{
		Code:       CodeInvariantViolation,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// NewTransferCompensationFailed is raised when a transfer debited the source
// but neither the credit nor the restoring compensation could be committed.
func NewTransferCompensationFailed(transferID any, creditErr, compensationErr error) *AppError {
	return &AppError{
		Code:       CodeTransferCompensationFailed,
		Message:    "Transfer credit failed and source stock could not be restored",
		HTTPStatus: http.StatusInternalServerError,
		Details: map[string]any{
			"transfer_id":        transferID,
			"credit_error":       errorString(creditErr),
			"compensation_error": errorString(compensationErr),
		},
		Err: errors.Join(creditErr, compensationErr),
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewDuplicate creates a duplicate entry error (409)
func NewDuplicate(entity, field, value string) *AppError {
	return &AppError{
		Code:       CodeDuplicate,
		Message:    fmt.Sprintf("%s with this %s already exists", entity, field),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "field": field, "value": value},
	}
}

// NewIdempotencyConflict is returned while a request with the same key is still running.
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotency,
		Message:    "operation with this idempotency key is in progress",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// NewIdempotencyMismatch is returned when a key is reused for a different request.
func NewIdempotencyMismatch(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotency,
		Message:    "idempotency key was used for a different request",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether the outermost AppError in err's chain carries code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsConcurrentModification checks if error is CodeConcurrentModification
func IsConcurrentModification(err error) bool { return HasCode(err, CodeConcurrentModification) }

func IsInsufficientStock(err error) bool { return HasCode(err, CodeInsufficientStock) }

func IsInvalidReservationState(err error) bool { return HasCode(err, CodeInvalidReservationState) }

func IsUnknownReservation(err error) bool { return HasCode(err, CodeUnknownReservation) }

func IsInvariantViolation(err error) bool { return HasCode(err, CodeInvariantViolation) }

func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

// Shortfall extracts the missing quantity from an INSUFFICIENT_STOCK error.
func Shortfall(err error) (int64, bool) {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Code != CodeInsufficientStock {
		return 0, false
	}
	v, ok := appErr.Details["shortfall"].(int64)
	return v, ok
}
