package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the ledger can return.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION_ERROR"
	KindAccountNotFound    ErrorKind = "ACCOUNT_NOT_FOUND"
	KindEntryNotFound      ErrorKind = "ENTRY_NOT_FOUND"
	KindForbidden          ErrorKind = "FORBIDDEN"
	KindInvalidStatus      ErrorKind = "INVALID_STATUS"
	KindRateExceeded       ErrorKind = "RATE_EXCEEDED"
	KindAmountOutOfRange   ErrorKind = "AMOUNT_OUT_OF_RANGE"
	KindDuplicateSuspected ErrorKind = "DUPLICATE_SUSPECTED"
	KindAccountFrozen      ErrorKind = "ACCOUNT_FROZEN"
	KindInsufficientCredit ErrorKind = "INSUFFICIENT_CREDIT"
	KindInsufficientPoints ErrorKind = "INSUFFICIENT_POINTS"
	KindInfrastructure     ErrorKind = "INFRASTRUCTURE_ERROR"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation         = &LedgerError{Kind: KindValidation}
	ErrAccountNotFound    = &LedgerError{Kind: KindAccountNotFound}
	ErrEntryNotFound      = &LedgerError{Kind: KindEntryNotFound}
	ErrForbidden          = &LedgerError{Kind: KindForbidden}
	ErrInvalidStatus      = &LedgerError{Kind: KindInvalidStatus}
	ErrRateExceeded       = &LedgerError{Kind: KindRateExceeded}
	ErrAmountOutOfRange   = &LedgerError{Kind: KindAmountOutOfRange}
	ErrDuplicateSuspected = &LedgerError{Kind: KindDuplicateSuspected}
	ErrAccountFrozen      = &LedgerError{Kind: KindAccountFrozen}
	ErrInsufficientCredit = &LedgerError{Kind: KindInsufficientCredit}
	ErrInsufficientPoints = &LedgerError{Kind: KindInsufficientPoints}
	ErrInfrastructure     = &LedgerError{Kind: KindInfrastructure}
)

// LedgerError is returned by every ledger operation. Trace holds the ordered
// decision lines recorded up to the failure.
type LedgerError struct {
	Kind    ErrorKind
	Message string
	Trace   []string
	Err     error
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is matches any LedgerError of the same kind.
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// PublicMessage hides infrastructure causes from callers.
func (e *LedgerError) PublicMessage() string {
	if e.Kind == KindInfrastructure {
		return "internal error, please retry later"
	}
	return e.Message
}

func newLedgerError(kind ErrorKind, format string, args ...any) *LedgerError {
	return &LedgerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func infraError(msg string, err error) *LedgerError {
	return &LedgerError{Kind: KindInfrastructure, Message: msg, Err: err}
}

// KindOf extracts the kind of err, treating anything unknown as infrastructure.
// A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInfrastructure
}

// TraceOf returns the trace attached to err, if any.
func TraceOf(err error) []string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Trace
	}
	return nil
}
