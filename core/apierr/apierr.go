// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package apierr provides the error taxonomy of the certificate authority

Every error which crosses a handler boundary carries one of a small set of kinds. The kind
decides the HTTP status code and the stable error code clients see; the wrapped cause
is logged but never returned to the client.

	return apierr.New(apierr.KindNotFound, "device %s not found", serial)

Handlers render errors with

	apierr.Write(w, r, err)
*/
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetca/core/logger"
)

// Kind is the stable error kind reported to clients
type Kind string

// all supported error kinds
const (
	KindNotFound        Kind = "not_found"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindConflict        Kind = "conflict"
	KindBadRequest      Kind = "bad_request"
	KindInvalidCSR      Kind = "invalid_csr"
	KindCAUnavailable   Kind = "ca_unavailable"
	KindIssuanceFailed  Kind = "issuance_failed"
	KindSerialCollision Kind = "serial_collision"
	KindInternal        Kind = "internal"
)

var httpStatusMap = map[Kind]int{
	KindNotFound:        http.StatusNotFound,
	KindUnauthorized:    http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindConflict:        http.StatusConflict,
	KindBadRequest:      http.StatusBadRequest,
	KindInvalidCSR:      http.StatusBadRequest,
	KindCAUnavailable:   http.StatusInternalServerError,
	KindIssuanceFailed:  http.StatusInternalServerError,
	KindSerialCollision: http.StatusInternalServerError,
	KindInternal:        http.StatusInternalServerError,
}

// Error is an error with a kind. Message is safe to show to clients,
// Err is the optional internal cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatusMap[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New returns a new error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new error of the given kind with an internal cause
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Errors without a kind are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is returns true if err has the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Response is the JSON body of an error response
type Response struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// Write writes err as JSON error response. Internal causes are logged with the
// request logger and replaced with a generic message.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindInternal, err, "internal error")
	}
	status := e.HTTPStatus()
	rlog := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		rlog.WithError(err).Errorf("%s %s failed", r.Method, r.URL.Path)
	} else {
		rlog.WithField("kind", e.Kind).Infof("%s %s rejected: %s", r.Method, r.URL.Path, e.Message)
	}

	message := e.Message
	if e.Kind == KindInternal {
		message = "internal error"
		if tag, _, ok := strings.Cut(e.Message, ":"); ok && strings.HasPrefix(tag, "Error ") {
			message = tag
		}
	}
	body, _ := json.Marshal(Response{Error: e.Kind, Message: message})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}
