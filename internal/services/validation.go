package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Code    ErrorKind         `json:"code"`              // Machine-readable kind
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
	Logs    []string          `json:"logs,omitempty"`    // Ordered decision trace
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation, KindAmountOutOfRange:
		return http.StatusBadRequest
	case KindAccountNotFound, KindEntryNotFound:
		return http.StatusNotFound
	case KindForbidden, KindAccountFrozen:
		return http.StatusForbidden
	case KindInvalidStatus, KindInsufficientCredit, KindInsufficientPoints, KindDuplicateSuspected:
		return http.StatusConflict
	case KindRateExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, code ErrorKind, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Code: code, Error: message}
	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendLedgerError writes err with the status of its kind and its trace.
func SendLedgerError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	message := "internal error, please retry later"
	var le *LedgerError
	if errors.As(err, &le) {
		message = le.PublicMessage()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:  kind,
		Error: message,
		Logs:  TraceOf(err),
	})
}
