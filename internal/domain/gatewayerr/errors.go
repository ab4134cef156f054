// Package gatewayerr defines the error taxonomy surfaced to gateway callers.
//
// Every rejected request carries a JSON body with a category, a stable
// machine-readable code and a human-readable message:
//
//	{"error":{"category":"admission","code":"RATE_LIMITED","message":"rate limit exceeded","retryAfter":12}}
package gatewayerr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/session"
)

// Category groups error codes by who is at fault and where they are resolved.
type Category string

const (
	// CategoryConfiguration covers bad or missing tenant headers.
	CategoryConfiguration Category = "configuration"
	// CategoryAdmission covers rejections by the admission chain.
	CategoryAdmission Category = "admission"
	// CategorySession covers lookups on the persistent transport.
	CategorySession Category = "session"
	// CategoryTransport covers server-side construction or connect failures.
	CategoryTransport Category = "transport"
)

// Stable error codes.
const (
	CodeMissingHeader              = "MISSING_HEADER"
	CodeInvalidHeader              = "INVALID_HEADER"
	CodeUnsupportedAuthCombination = "UNSUPPORTED_AUTH_COMBINATION"
	CodeIncompleteCredentials      = "INCOMPLETE_CREDENTIALS"
	CodeUnauthorized               = "UNAUTHORIZED"
	CodeRateLimited                = "RATE_LIMITED"
	CodeMissingSessionID           = "MISSING_SESSION_ID"
	CodeSessionNotFound            = "SESSION_NOT_FOUND"
	CodeSessionNotReady            = "SESSION_NOT_READY"
	CodeTransportFailure           = "TRANSPORT_FAILURE"
	CodeMethodNotAllowed           = "METHOD_NOT_ALLOWED"
)

// Error is a gateway error with its HTTP mapping.
type Error struct {
	Category Category
	Code     string
	Status   int
	Message  string
	// RetryAfter is the number of seconds a rate limited caller should wait.
	RetryAfter int
	// Err is the underlying cause. It is logged, never serialized.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error without an underlying cause.
func New(category Category, code string, status int, message string) *Error {
	return &Error{Category: category, Code: code, Status: status, Message: message}
}

// Unauthorized is returned by the API key gate.
func Unauthorized(message string) *Error {
	return New(CategoryAdmission, CodeUnauthorized, http.StatusUnauthorized, message)
}

// RateLimited is returned when a client exhausts its window.
func RateLimited(retryAfterSeconds int) *Error {
	e := New(CategoryAdmission, CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
	e.RetryAfter = retryAfterSeconds
	return e
}

// MissingSessionID is returned when the follow-up path has no sessionId.
func MissingSessionID() *Error {
	e := New(CategorySession, CodeMissingSessionID, http.StatusBadRequest, "sessionId query parameter is required")
	e.Err = session.ErrMissingSessionID
	return e
}

// SessionNotFound is returned when no live session matches the given ID.
func SessionNotFound(id string) *Error {
	e := New(CategorySession, CodeSessionNotFound, http.StatusNotFound, "session "+strconv.Quote(id)+" not found")
	e.Err = session.ErrSessionNotFound
	return e
}

// SessionNotReady is returned when a message gives up waiting for its
// session to finish connecting.
func SessionNotReady(id string, err error) *Error {
	e := New(CategorySession, CodeSessionNotReady, http.StatusServiceUnavailable, "session "+strconv.Quote(id)+" is not ready")
	e.Err = err
	return e
}

// Transport wraps a protocol server construction or connect failure.
func Transport(message string, err error) *Error {
	e := New(CategoryTransport, CodeTransportFailure, http.StatusInternalServerError, message)
	e.Err = err
	return e
}

// Coder is implemented by domain errors that know their gateway mapping
// without importing this package's HTTP details.
type Coder interface {
	error
	GatewayCategory() Category
	GatewayCode() string
}

// From converts any error into an *Error. Domain errors implementing Coder
// map to a 400; anything else becomes a transport failure.
func From(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	var c Coder
	if errors.As(err, &c) {
		return &Error{
			Category: c.GatewayCategory(),
			Code:     c.GatewayCode(),
			Status:   http.StatusBadRequest,
			Message:  c.Error(),
			Err:      err,
		}
	}
	return Transport("internal error", err)
}

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Category   Category `json:"category"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	RetryAfter int      `json:"retryAfter,omitempty"`
}

// Write serializes err as the structured JSON error body. Transport failures
// expose only their message, never the cause.
func Write(w http.ResponseWriter, err error) {
	ge := From(err)
	w.Header().Set("Content-Type", "application/json")
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	w.WriteHeader(ge.Status)
	_ = json.NewEncoder(w).Encode(body{Error: payload{
		Category:   ge.Category,
		Code:       ge.Code,
		Message:    ge.Message,
		RetryAfter: ge.RetryAfter,
	}})
}
