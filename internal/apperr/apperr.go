// Package apperr defines the error kinds surfaced by the order and payment services and
// their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to decide how to respond.
type Kind string

const (
	KindValidation  Kind = "validation_failed"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindForbidden   Kind = "forbidden"
	KindGateway     Kind = "gateway_error"
	KindPersistence Kind = "persistence_error"
	KindInternal    Kind = "internal_error"
)

// Error is the concrete error type returned by the service layer.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "checkout.CancelOrder"
	Message string // client-facing message
	Detail  any    // optional diagnostic payload (provider response, field errors)
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func NotFound(op, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

func Conflict(op, msg string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: msg}
}

func Forbidden(op, msg string) *Error {
	return &Error{Kind: KindForbidden, Op: op, Message: msg}
}

// Gateway wraps a payment provider failure. detail carries the provider diagnostic.
func Gateway(op, msg string, detail any, err error) *Error {
	return &Error{Kind: KindGateway, Op: op, Message: msg, Detail: detail, Err: err}
}

// Persistence wraps a ledger failure.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Message: "storage failure", Err: err}
}

// KindOf reports the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// HTTPStatus maps a Kind onto a response status.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
