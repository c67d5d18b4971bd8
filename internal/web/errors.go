package web

// errors.go maps load failures to HTTP responses.
//
// The technical error is logged with the request ID; the client gets the
// user message from core.MapError plus the error kind and, for failures
// the database may not repeat, a retryable flag.

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor picks the HTTP status for a failed load or key lookup.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrTooManyLoads):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrTableNotFound), errors.Is(err, core.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, core.ErrJobRunning):
		return http.StatusConflict
	}

	switch core.KindOf(err) {
	case core.KindInvalidRequest:
		return http.StatusBadRequest
	case core.KindSchema, core.KindDataFormat:
		return http.StatusUnprocessableEntity
	case core.KindReconciliation:
		return http.StatusConflict
	case core.KindTransaction:
		if core.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes its user-facing JSON form.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)
	requestID := middleware.GetReqID(r.Context())

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	resp := ErrorResponse{
		Error:     msg.Message,
		Message:   msg.Message,
		Action:    msg.Action,
		Code:      msg.Code,
		Retryable: core.IsRetryable(err) || errors.Is(err, core.ErrTooManyLoads),
		RequestID: requestID,
	}
	if kind := core.KindOf(err); kind != core.KindUnknown {
		resp.Kind = kind.String()
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, resp)
}

// badRequest reports a malformed HTTP request that never reached the loader.
func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:     message,
		Message:   message,
		Code:      "REQ001",
		Kind:      core.KindInvalidRequest.String(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}
