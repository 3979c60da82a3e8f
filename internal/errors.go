package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound         ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized     ErrorType = "UNAUTHORIZED"
	ErrorTypeConflict         ErrorType = "CONFLICT"
	ErrorTypeInternal         ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal         ErrorType = "EXTERNAL_ERROR"
	ErrorTypeExhaustedRetries ErrorType = "EXHAUSTED_RETRIES"
)

type ErrorCode string

const (
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount     ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidPhone      ErrorCode = "INVALID_PHONE"
	ErrCodeMalformedCallback ErrorCode = "MALFORMED_CALLBACK"
	ErrCodeSplitMismatch     ErrorCode = "SPLIT_MISMATCH"
	ErrCodePaymentNotSettled ErrorCode = "PAYMENT_NOT_SETTLED"

	ErrCodePaymentNotFound      ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeOrderNotFound        ErrorCode = "ORDER_NOT_FOUND"
	ErrCodeArtisanNotFound      ErrorCode = "ARTISAN_NOT_FOUND"
	ErrCodeCorrelationNotFound  ErrorCode = "CORRELATION_NOT_FOUND"
	ErrCodeDisbursementNotFound ErrorCode = "DISBURSEMENT_NOT_FOUND"

	ErrCodePaymentInFlight         ErrorCode = "PAYMENT_IN_FLIGHT"
	ErrCodeDisbursementNotEligible ErrorCode = "DISBURSEMENT_NOT_ELIGIBLE"
	ErrCodeDisbursementsExist      ErrorCode = "DISBURSEMENTS_EXIST"

	ErrCodeGatewayAuthFailed     ErrorCode = "GATEWAY_AUTH_FAILED"
	ErrCodeGatewayRejected       ErrorCode = "GATEWAY_REJECTED"
	ErrCodeGatewayOutcomeUnknown ErrorCode = "GATEWAY_OUTCOME_UNKNOWN"

	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"

	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeStaleWrite           ErrorCode = "STALE_WRITE"
	ErrCodeCorrelationCollision ErrorCode = "CORRELATION_COLLISION"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// GatewayDetails carries the reason a gateway gave for refusing a request.
type GatewayDetails struct {
	Reason       string `json:"reason"`
	ResponseCode string `json:"response_code,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewMalformedCallbackError(message string) *AppError {
	return NewValidationError(message, ErrCodeMalformedCallback)
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewAuthError reports that the gateway refused our credentials.
func NewAuthError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       ErrCodeGatewayAuthFailed,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// NewGatewayError reports an explicit refusal by the gateway.
func NewGatewayError(reason string, details GatewayDetails) *AppError {
	if details.Reason == "" {
		details.Reason = reason
	}
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       ErrCodeGatewayRejected,
		Message:    reason,
		Details:    details,
		StatusCode: http.StatusBadGateway,
	}
}

// NewOutcomeUnknownError reports a request that may or may not have reached
// the gateway. Callers must leave the record in flight.
func NewOutcomeUnknownError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       ErrCodeGatewayOutcomeUnknown,
		Message:    message,
		StatusCode: http.StatusAccepted,
		Cause:      cause,
	}
}

// NewCorrelationCollisionError means two records were handed the same
// gateway token. It is never retried.
func NewCorrelationCollisionError(cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeCorrelationCollision,
		Message:    "correlation token already belongs to another record",
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewExhaustedRetriesError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExhaustedRetries,
		Code:       ErrCodeRetriesExhausted,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

var (
	ErrPaymentNotFound     = NewNotFoundError("Payment not found", ErrCodePaymentNotFound)
	ErrOrderNotFound       = NewNotFoundError("Order not found", ErrCodeOrderNotFound)
	ErrCorrelationNotFound = NewNotFoundError("No record matches the correlation token", ErrCodeCorrelationNotFound)
	ErrPaymentInFlight     = NewConflictError("A pending payment already exists for this order", ErrCodePaymentInFlight)
	ErrInvalidToken        = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)

	ErrStaleWrite = &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeStaleWrite,
		Message:    "record was modified concurrently",
		StatusCode: http.StatusConflict,
	}
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		appErr, ok := IsAppError(err)
		if !ok {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

func IsType(err error, errType ErrorType) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Type == errType
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
