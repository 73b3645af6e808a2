// Package lazyerr implements the error taxonomy every component in the
// engine uses to classify failures: each error carries a Kind that both the
// control-layer HTTP handlers and the executors switch on, generalizing the
// teacher's three-variant errors package to the full set the engine needs.
package lazyerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error for both HTTP status mapping and
// executor-side retry decisions.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUnauthorized     Kind = "unauthorized"
	KindForbidden        Kind = "forbidden"
	KindTransient        Kind = "transient"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout          Kind = "timeout"
	KindImagePullFailure Kind = "image_pull_failure"
	KindProtocol         Kind = "protocol"
	KindFatal            Kind = "fatal"
)

// Error is the concrete type every engine-level failure is expressed as.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error Kind to the status code prescribed in the
// control-layer and debug-session HTTP interfaces.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindResourceExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
