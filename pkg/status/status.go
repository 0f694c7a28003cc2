// Package status defines the error taxonomy shared by every fieldsync component.
//
// Errors carry a Code the way gRPC status errors do, so callers classify
// failures with CodeOf(err) and IsRetriable(err) instead of string matching.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies a failure
type Code int

const (
	OK Code = iota
	// Network is a transport-level failure (connection refused, DNS, reset).
	Network
	// Timeout is an attempt that exceeded its deadline.
	Timeout
	// Server is a 5xx response.
	Server
	// RateLimited is a 429 response.
	RateLimited
	// Client is a 4xx response other than 401, 404 and 429.
	Client
	Unauthenticated
	NotFound
	// InvalidTransition is an offline edit that cannot be coalesced.
	InvalidTransition
	// BreakerOpen is synthesized when a circuit breaker short-circuits a call.
	BreakerOpen
	// StorageUnavailable means the persistent local store cannot be used.
	StorageUnavailable
	// NoData is a read miss that could not be served from network or cache.
	NoData
	Canceled
	Unknown
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Network:
		return "Network"
	case Timeout:
		return "Timeout"
	case Server:
		return "Server"
	case RateLimited:
		return "RateLimited"
	case Client:
		return "Client"
	case Unauthenticated:
		return "Unauthenticated"
	case NotFound:
		return "NotFound"
	case InvalidTransition:
		return "InvalidTransition"
	case BreakerOpen:
		return "BreakerOpen"
	case StorageUnavailable:
		return "StorageUnavailable"
	case NoData:
		return "NoData"
	case Canceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Retriable reports whether a failure with this code may succeed on a later attempt
func (c Code) Retriable() bool {
	switch c {
	case Network, Timeout, Server, RateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified failure
type Error struct {
	Code       Code
	HTTPStatus int
	Endpoint   string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Endpoint, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, status.New(status.BreakerOpen, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf creates an error with a formatted message
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code, keeping it as the cause
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// FromHTTP maps an HTTP response status to an error. It returns nil for 2xx and 3xx.
func FromHTTP(httpStatus int, endpoint string, body []byte) error {
	if httpStatus < 400 {
		return nil
	}

	msg := http.StatusText(httpStatus)
	if len(body) > 0 {
		const maxBody = 256
		if len(body) > maxBody {
			body = body[:maxBody]
		}
		msg = fmt.Sprintf("%s: %s", msg, body)
	}

	var code Code
	switch {
	case httpStatus == http.StatusTooManyRequests:
		code = RateLimited
	case httpStatus == http.StatusUnauthorized:
		code = Unauthenticated
	case httpStatus == http.StatusNotFound:
		code = NotFound
	case httpStatus >= 500:
		code = Server
	default:
		code = Client
	}

	return &Error{Code: code, HTTPStatus: httpStatus, Endpoint: endpoint, Message: msg}
}

// FromError returns the *Error in err's chain
func FromError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the code of err. Unclassified context errors map to
// Canceled/Timeout and anything else to Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if se, ok := FromError(err); ok {
		return se.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Canceled
	}
	return Unknown
}

// IsRetriable reports whether err may succeed on retry
func IsRetriable(err error) bool {
	return CodeOf(err).Retriable()
}

// StaleDataServedWarning is attached to a read result when data past its
// freshness window was served because the network could not be used.
type StaleDataServedWarning struct {
	Key   string
	Age   time.Duration
	Cause error
}

func (w *StaleDataServedWarning) Error() string {
	if w.Cause != nil {
		return fmt.Sprintf("served stale data for %q (age %s): %v", w.Key, w.Age.Round(time.Millisecond), w.Cause)
	}
	return fmt.Sprintf("served stale data for %q (age %s)", w.Key, w.Age.Round(time.Millisecond))
}

func (w *StaleDataServedWarning) Unwrap() error {
	return w.Cause
}
