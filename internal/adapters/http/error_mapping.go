package httpadapter

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case domain.IsKind(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error        string `json:"error"`
	Field        string `json:"field,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	body := errorBody{Error: err.Error(), RequestID: requestIDFromContext(r.Context())}

	var validationErr *domain.ValidationError
	var rateErr *domain.RateLimitError
	switch {
	case errors.As(err, &validationErr):
		body.Error = validationErr.Error()
		body.Field = validationErr.Field
	case errors.As(err, &rateErr):
		body.RetryAfterMS = rateErr.RetryAfter.Milliseconds()
		seconds := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	case status == http.StatusGatewayTimeout:
		body.Error = "request timed out"
	case status >= http.StatusInternalServerError:
		rt.logger.Error("http_request_failed",
			"request_id", body.RequestID,
			"path", r.URL.Path,
			"error", err,
		)
		if !rt.exposeInternal {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}
