// Package apperr defines the error kinds the gateway produces and the
// HTTP status each one maps to at the transport edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error.
type Kind int

const (
	// KindBadRequest covers client mistakes: empty messages, unknown
	// provider tags, disallowed models, exhausted quotas, policy blocks.
	KindBadRequest Kind = iota
	// KindConfig covers deployment problems such as a missing API key.
	KindConfig
	// KindUpstream covers provider-side failures: non-success status,
	// transport errors, provider error payloads.
	KindUpstream
	// KindInternal covers storage and other unexpected failures.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindConfig:
		return "configuration error"
	case KindUpstream:
		return "upstream error"
	default:
		return "internal error"
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// BadRequest builds a client-error with a formatted message.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// Config builds a configuration error.
func Config(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// Upstream builds a provider-side error.
func Upstream(format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...)}
}

// Internal builds an internal error.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an internal error.
func Wrap(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, defaulting to KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Retryable reports whether the dispatch loop may retry the attempt or
// advance to a fallback candidate after err. Client mistakes and missing
// configuration never heal on retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindInternal:
		return true
	default:
		return false
	}
}

// Status maps an error to the HTTP status the transport should answer with.
func Status(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing message for err. Wrapped causes
// stay out of the response body.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Msg
	}
	return err.Error()
}
