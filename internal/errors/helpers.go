package errors

import "net/http"

// NewQueueFullError is returned by Enqueue when the configured capacity bound
// has been reached.
func NewQueueFullError(limit int) *AppError {
	return New(ErrCodeQueueFull, "offline queue is full").
		WithContext("limit", limit).
		WithUserMessage("The offline queue is full; retry once connectivity is restored")
}

// NewValidationError wraps a payload validation failure. Never retryable: the
// same payload fails the same way every time.
func NewValidationError(err error) *AppError {
	return Wrap(err, ErrCodeValidationFailed, "invoice payload validation failed").
		WithUserMessage("The invoice payload is invalid")
}

// NewDatabaseError wraps a queue store failure.
func NewDatabaseError(err error, op string) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, "queue store operation failed").
		WithContext("operation", op)
}

// HTTPStatus maps an error code to the status the local API surface returns.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	case ErrCodeUnreachable:
		return http.StatusBadGateway
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
