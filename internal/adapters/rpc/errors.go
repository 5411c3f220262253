package rpcadapter

import (
	"errors"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// mapError translates a domain error kind into a JSON-RPC error object.
// Internal details are only exposed when exposeInternal is set.
func mapError(err error, exposeInternal bool) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var validationErr *domain.ValidationError
	var rateErr *domain.RateLimitError
	switch {
	case errors.As(err, &validationErr):
		out := &Error{Code: CodeValidationFailed, Message: validationErr.Error()}
		if validationErr.Field != "" {
			out.Data = map[string]string{"field": validationErr.Field}
		}
		return out
	case errors.As(err, &rateErr):
		return &Error{
			Code:    CodeRateLimited,
			Message: rateErr.Error(),
			Data:    map[string]int64{"retry_after_ms": rateErr.RetryAfter.Milliseconds()},
		}
	case domain.IsKind(err, domain.ErrValidation):
		return &Error{Code: CodeValidationFailed, Message: err.Error()}
	case domain.IsKind(err, domain.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case domain.IsKind(err, domain.ErrTimeout):
		return &Error{Code: CodeTimeout, Message: "request timed out"}
	default:
		if exposeInternal {
			return &Error{Code: CodeInternalError, Message: "internal error: " + err.Error()}
		}
		return &Error{Code: CodeInternalError, Message: "internal error"}
	}
}

// protocolErr marks a framing or envelope problem as a client mistake for audit.
func protocolErr(rpcErr *Error) error {
	if rpcErr == nil {
		return nil
	}
	if rpcErr.Code == CodeInternalError {
		return rpcErr
	}
	return &protocolError{rpcErr: rpcErr}
}

type protocolError struct {
	rpcErr *Error
}

func (e *protocolError) Error() string { return e.rpcErr.Message }

func (e *protocolError) Unwrap() []error { return []error{e.rpcErr, domain.ErrValidation} }
