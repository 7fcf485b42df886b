package mail

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error code surfaced across the adapter boundary
type ErrorKind string

const (
	KindNotAuthenticated  ErrorKind = "not_authenticated"
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindUpstreamRejected  ErrorKind = "upstream_rejected"
	KindNotFound          ErrorKind = "not_found"
	KindUnsupported       ErrorKind = "unsupported"
	KindCursorExpired     ErrorKind = "cursor_expired"
	KindMalformedWebhook  ErrorKind = "malformed_webhook"
)

// Error is a classified adapter or reconciler error tagged with the originating provider
type Error struct {
	Provider Provider
	Kind     ErrorKind
	Op       string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Provider != "" {
		msg = string(e.Provider) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the operation
func (e *Error) Retryable() bool {
	return e.Kind == KindUpstreamTransient
}

// NewError builds a classified error
func NewError(provider Provider, kind ErrorKind, op string, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(provider Provider, kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Provider: provider, Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Unsupported is returned by adapters for operations outside their capability descriptor
func Unsupported(provider Provider, op string) *Error {
	return &Error{Provider: provider, Kind: KindUnsupported, Op: op}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or any error in its chain) has the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a transient upstream failure
func IsRetryable(err error) bool {
	return IsKind(err, KindUpstreamTransient)
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// StatusKind maps an upstream HTTP status code to an error kind.
// Unknown 4xx are rejected, everything else is treated as transient.
func StatusKind(status int) ErrorKind {
	switch {
	case status == 401:
		return KindNotAuthenticated
	case status == 404 || status == 410:
		return KindNotFound
	case status == 408 || status == 429:
		return KindUpstreamTransient
	case status >= 500:
		return KindUpstreamTransient
	case status >= 400:
		return KindUpstreamRejected
	}
	return KindUpstreamTransient
}
