// Package apperr defines the stable error kinds and codes surfaced by the core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindBusiness     Kind = "business"
	KindExternal     Kind = "external"
	KindInternal     Kind = "internal"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
)

// Business and conflict codes.
const (
	CodePriceMismatch       = "price_mismatch"
	CodeInsufficientBalance = "insufficient_balance"
	CodeNoSubscription      = "no_subscription"
	CodeNoCapacity          = "no_capacity"
	CodeExhausted           = "exhausted"
	CodeInactive            = "inactive"
	CodeAlreadyUsed         = "already_used"
	CodeBlocked             = "blocked"
	CodeDuplicate           = "duplicate"
	CodeInvalid             = "invalid"
	CodeNotFound            = "not_found"
	CodeProvider            = "provider_error"
	CodeOutline             = "outline_error"
	CodeInternal            = "internal"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Retriable is meaningful for external errors only.
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// HTTPStatus maps the kind onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBusiness:
		return http.StatusUnprocessableEntity
	case KindExternal:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: what + " not found"}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func Business(code, msg string) *Error {
	return &Error{Kind: KindBusiness, Code: code, Message: msg}
}

func Forbidden(code, msg string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Code: "unauthorized", Message: msg}
}

// External wraps a provider or control-plane failure.
func External(code string, retriable bool, err error) *Error {
	return &Error{Kind: KindExternal, Code: code, Message: "external service failure", Retriable: retriable, Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrPriceMismatch       = Business(CodePriceMismatch, "amount does not match catalog")
	ErrInsufficientBalance = Business(CodeInsufficientBalance, "insufficient balance")
	ErrNoSubscription      = Business(CodeNoSubscription, "no free subscription slot")
	ErrNoCapacity          = Business(CodeNoCapacity, "no outline server has free capacity")
	ErrExhausted           = Business(CodeExhausted, "promocode usage limit reached")
	ErrInactive            = Business(CodeInactive, "promocode is inactive")
	ErrAlreadyUsed         = Conflict(CodeAlreadyUsed, "promocode already used")
	ErrBlocked             = Forbidden(CodeBlocked, "user is blocked")
)

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err; unknown errors are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err; unknown errors are internal.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsRetriable reports whether err is an external failure worth retrying.
func IsRetriable(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindExternal && e.Retriable
}
