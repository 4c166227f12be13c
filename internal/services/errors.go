package services

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ocr-gateway/ocr-gateway/internal/engine"
	"github.com/ocr-gateway/ocr-gateway/internal/intake"
	"github.com/ocr-gateway/ocr-gateway/internal/jobcache"
)

// Kind classifies a request failure.
type Kind string

const (
	KindInput    Kind = "input"
	KindFetch    Kind = "fetch"
	KindAuth     Kind = "auth"
	KindEngine   Kind = "engine"
	KindTimeout  Kind = "timeout"
	KindStore    Kind = "store"
	KindNotFound Kind = "not_found"
	KindConflict Kind = "conflict"
	// KindCancelled means the client went away before its job settled.
	KindCancelled Kind = "cancelled"
)

// statusClientClosedRequest is the non-standard status logged for requests
// the client abandoned.
const statusClientClosedRequest = 499

// persistFailurePrefix starts the error_info of jobs that failed while their
// output was being written, so later readers can tell them from engine
// failures.
const persistFailurePrefix = "failed to persist"

// Error is a classified failure returned by the Dispatcher.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInput:
		if errors.Is(e.Err, intake.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case KindFetch:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindEngine:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindCancelled:
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify wraps err in an *Error. Errors that are already classified are
// returned as is; intake, engine and job cache sentinels get their kind;
// anything else is a store failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, intake.ErrFetch):
		return newError(KindFetch, err)
	case errors.Is(err, intake.ErrEmpty),
		errors.Is(err, intake.ErrNotPDF),
		errors.Is(err, intake.ErrNotPDFName),
		errors.Is(err, intake.ErrNotFound),
		errors.Is(err, intake.ErrNoFile),
		errors.Is(err, intake.ErrTooLarge),
		errors.Is(err, intake.ErrInvalidURL),
		errors.Is(err, intake.ErrInvalidPath),
		errors.Is(err, engine.ErrInvalidOption):
		return newError(KindInput, err)
	case errors.Is(err, engine.ErrTimeout):
		return newError(KindTimeout, err)
	case errors.Is(err, engine.ErrNoMarkdown):
		return newError(KindEngine, err)
	case errors.Is(err, jobcache.ErrNotFound):
		return newError(KindNotFound, err)
	case errors.Is(err, jobcache.ErrBusy), errors.Is(err, jobcache.ErrIllegalTransition):
		return newError(KindConflict, err)
	}
	return newError(KindStore, err)
}

// failureKind recovers the kind of a failed job from its stored error_info.
func failureKind(errorInfo string) Kind {
	switch {
	case strings.HasPrefix(errorInfo, engine.ErrTimeout.Error()):
		return KindTimeout
	case strings.HasPrefix(errorInfo, persistFailurePrefix):
		return KindStore
	}
	return KindEngine
}
