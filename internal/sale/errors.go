package sale

import (
	errordefs "github.com/RegistryAccord/registryaccord-market-go/internal/errors"
)

// BusinessError is a recoverable rejection of a sale request. Reason is shown to the caller.
// Nothing has been persisted when it is returned.
type BusinessError struct {
	Reason string
	Code   errordefs.ErrorCode // Optional; defaults to MKT_BAD_REQUEST
	Err    error               // Optional underlying cause
}

func (e *BusinessError) Error() string { return e.Reason }

func (e *BusinessError) Unwrap() error { return e.Err }

// Kind marks every business error as a bad request.
func (e *BusinessError) Kind() errordefs.Kind { return errordefs.KindBadRequest }

func (e *BusinessError) ErrorCode() errordefs.ErrorCode {
	if e.Code == "" {
		return errordefs.MKT_BAD_REQUEST
	}
	return e.Code
}

// Reject returns a bad request carrying reason.
func Reject(reason string) *BusinessError {
	return &BusinessError{Reason: reason}
}

func forbidden(reason string) *BusinessError {
	return &BusinessError{Reason: reason, Code: errordefs.MKT_AUTHZ}
}

func declined(reason string, cause error) *BusinessError {
	return &BusinessError{Reason: reason, Code: errordefs.MKT_PAYMENT_DECLINED, Err: cause}
}
