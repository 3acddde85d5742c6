package trade

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/atmx/character-exchange/internal/model"
)

// Kind classifies an engine error for callers and for HTTP mapping.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindBusinessRule
	KindUnavailable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindBusinessRule:
		return "business_rule"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Error codes.
const (
	CodeValidation             = "VALIDATION"
	CodeUserNotFound           = "USER_NOT_FOUND"
	CodeCharacterNotFound      = "CHARACTER_NOT_FOUND"
	CodeOrderNotFound          = "ORDER_NOT_FOUND"
	CodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	CodeInsufficientShares     = "INSUFFICIENT_SHARES"
	CodePriceExceeded          = "PRICE_EXCEEDED"
	CodePriceBelowMinimum      = "PRICE_BELOW_MINIMUM"
	CodeCharacterInactive      = "CHARACTER_INACTIVE"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodePositionLimit          = "POSITION_LIMIT"
	CodeUpstreamUnavailable    = "UPSTREAM_UNAVAILABLE"
	CodeTimeout                = "TIMEOUT"
	CodeOrderInProgress        = "ORDER_IN_PROGRESS"
	CodeCommitFailed           = "COMMIT_FAILED"
)

// Error is returned by every Engine operation that fails.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Fields carries per-field messages for validation errors.
	Fields map[string]string

	// Trade is the FAILED trade record when the ledger commit failed.
	Trade *model.Trade

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the error kind onto an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusinessRule:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

func validationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: "validation failed", Fields: fields}
}

func notFoundError(code, msg string, cause error) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg, Err: cause}
}

func ruleError(code, msg string) *Error {
	return &Error{Kind: KindBusinessRule, Code: code, Message: msg}
}

func unavailableError(code, msg string, cause error) *Error {
	return &Error{Kind: KindUnavailable, Code: code, Message: msg, Err: cause}
}
