// Package errors provides standardized error handling for the marketplace service.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
)

// ErrorCode represents a standardized error code for the marketplace service.
type ErrorCode string

const (
	// Validation errors
	MKT_VALIDATION       ErrorCode = "MKT_VALIDATION"       // Request body failed schema validation
	MKT_BAD_REQUEST      ErrorCode = "MKT_BAD_REQUEST"      // Business rule rejected the request
	MKT_PAYMENT_DECLINED ErrorCode = "MKT_PAYMENT_DECLINED" // Payment gateway declined the charge

	// Authentication/Authorization errors
	MKT_AUTHN         ErrorCode = "MKT_AUTHN"         // Authentication failed
	MKT_AUTHZ         ErrorCode = "MKT_AUTHZ"         // Authorization failed
	MKT_JWT_INVALID   ErrorCode = "MKT_JWT_INVALID"   // Invalid JWT
	MKT_JWT_EXPIRED   ErrorCode = "MKT_JWT_EXPIRED"   // Expired JWT
	MKT_JWT_MALFORMED ErrorCode = "MKT_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	MKT_NOT_FOUND ErrorCode = "MKT_NOT_FOUND" // Resource not found
	MKT_CONFLICT  ErrorCode = "MKT_CONFLICT"  // Concurrent update or duplicate

	// Server errors
	MKT_TIMEOUT     ErrorCode = "MKT_TIMEOUT"     // Unit of work timed out
	MKT_INTERNAL    ErrorCode = "MKT_INTERNAL"    // Internal server error
	MKT_UNAVAILABLE ErrorCode = "MKT_UNAVAILABLE" // Service unavailable
)

// Kind is the error class a failure belongs to, independent of transport.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindConflict
	KindTimeout
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Kinded is implemented by domain errors that know their own class.
type Kinded interface {
	error
	Kind() Kind
}

// Coded is implemented by domain errors that carry a specific code.
type Coded interface {
	ErrorCode() ErrorCode
}

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	Kind          Kind        `json:"-"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Kind:          kindForCode(code),
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	var k Kinded
	if stderrors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case stderrors.Is(err, storage.ErrConflict), stderrors.Is(err, storage.ErrSerialization):
		return KindConflict
	case stderrors.Is(err, storage.ErrUnavailable):
		return KindUnavailable
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return KindTimeout
	}
	return KindInternal
}

// Translate maps an error from the core to the response error. Business errors keep
// their reason; internal failures are reported without their details.
func Translate(err error, correlationID string) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		out := *e
		if out.CorrelationID == "" {
			out.CorrelationID = correlationID
		}
		return &out
	}

	kind := KindOf(err)
	switch kind {
	case KindBadRequest:
		code := MKT_BAD_REQUEST
		var c Coded
		if stderrors.As(err, &c) {
			code = c.ErrorCode()
		}
		var k Kinded
		msg := err.Error()
		if stderrors.As(err, &k) {
			msg = k.Error()
		}
		return New(code, msg, correlationID)
	case KindNotFound:
		return New(MKT_NOT_FOUND, "Resource not found", correlationID)
	case KindConflict:
		return New(MKT_CONFLICT, "Concurrent update, please retry", correlationID)
	case KindTimeout:
		return New(MKT_TIMEOUT, "Request timed out", correlationID)
	case KindUnavailable:
		return New(MKT_UNAVAILABLE, "Service unavailable", correlationID)
	default:
		return New(MKT_INTERNAL, "Internal server error", correlationID)
	}
}

func kindForCode(code ErrorCode) Kind {
	switch code {
	case MKT_VALIDATION, MKT_BAD_REQUEST, MKT_PAYMENT_DECLINED,
		MKT_AUTHN, MKT_AUTHZ, MKT_JWT_INVALID, MKT_JWT_EXPIRED, MKT_JWT_MALFORMED:
		return KindBadRequest
	case MKT_NOT_FOUND:
		return KindNotFound
	case MKT_CONFLICT:
		return KindConflict
	case MKT_TIMEOUT:
		return KindTimeout
	case MKT_UNAVAILABLE:
		return KindUnavailable
	default:
		return KindInternal
	}
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MKT_VALIDATION, MKT_BAD_REQUEST:
		return http.StatusBadRequest
	case MKT_PAYMENT_DECLINED:
		return http.StatusPaymentRequired
	case MKT_AUTHZ:
		return http.StatusForbidden
	case MKT_AUTHN, MKT_JWT_INVALID, MKT_JWT_EXPIRED, MKT_JWT_MALFORMED:
		return http.StatusUnauthorized
	case MKT_NOT_FOUND:
		return http.StatusNotFound
	case MKT_CONFLICT:
		return http.StatusConflict
	case MKT_TIMEOUT:
		return http.StatusGatewayTimeout
	case MKT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
