/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"net/http"

	"github.com/pkg/errors"
)

// ErrorKind is the taxonomy from which every request-serving failure in the
// system is drawn. Adapters map a Kind to an HTTP status in one switch
// instead of threading exception types through the call stack.
type ErrorKind int

const (
	// KindNotFound: no cached artifact, every upstream candidate returned a
	// clean 404/410.
	KindNotFound ErrorKind = iota
	// KindUpstreamUnavailable: network failure or 5xx from every candidate.
	KindUpstreamUnavailable
	// KindUnauthorized: upstream returned 401.
	KindUnauthorized
	// KindStoreFailure: metadata or object-store write failed during MISS;
	// the caller still got its bytes.
	KindStoreFailure
	// KindInvalidRequest: adapter-level parse failure.
	KindInvalidRequest
	// KindInternal: precondition violated (repository not initialised, etc).
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindStoreFailure:
		return "store_failure"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "internal"
	}
}

// HTTPStatus is the status code an adapter should write for this kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindStoreFailure:
		return http.StatusOK // bytes already reached the caller
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps an ErrorKind with a causal chain. Construct with one of the
// New*Error helpers; inspect with errors.As.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newErr(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: cause}
}

func NewNotFoundError(msg string) error        { return newErr(KindNotFound, msg, nil) }
func NewUnauthorizedError(msg string) error     { return newErr(KindUnauthorized, msg, nil) }
func NewInvalidRequestError(msg string) error   { return newErr(KindInvalidRequest, msg, nil) }

func WrapUpstreamUnavailable(msg string, cause error) error {
	return newErr(KindUpstreamUnavailable, msg, errors.WithStack(cause))
}

func WrapStoreFailure(msg string, cause error) error {
	return newErr(KindStoreFailure, msg, errors.WithStack(cause))
}

func WrapInternal(msg string, cause error) error {
	return newErr(KindInternal, msg, errors.WithStack(cause))
}

// KindOf extracts the ErrorKind from err, defaulting to KindInternal when
// err was not produced by this package's constructors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound is a convenience predicate used throughout the cache engine's
// fallthrough logic (spec: 404/410 falls through, everything else aborts).
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
