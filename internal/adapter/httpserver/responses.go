package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// unavailableMessage is the only failure text callers see when a capability
// could not be served.
const unavailableMessage = "the service is temporarily unavailable, please try again shortly"

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code. Argument errors keep their message;
// every other failure gets a generic one and is logged instead.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	msg := http.StatusText(code)
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code, codeStr, msg = http.StatusBadRequest, "INVALID_ARGUMENT", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		code, codeStr, msg = http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, domain.ErrAllProvidersFailed):
		code, codeStr, msg = http.StatusServiceUnavailable, "UNAVAILABLE", unavailableMessage
	case errors.Is(err, domain.ErrQueueCleared):
		code, codeStr, msg = http.StatusServiceUnavailable, "CANCELLED", unavailableMessage
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code, codeStr, msg = http.StatusGatewayTimeout, "TIMEOUT", unavailableMessage
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrThrottled):
		code, codeStr, msg = http.StatusTooManyRequests, "RATE_LIMITED", "too many requests"
	}
	if code >= 500 {
		LoggerFrom(r).Error("request failed",
			slog.String("route", routePattern(r)),
			slog.String("code", codeStr),
			slog.Any("error", err))
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: msg, Details: details}})
}
