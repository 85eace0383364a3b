package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tomnagengast/revurb/internal/domain"
)

// ErrorResponse is the standard error envelope returned to clients.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// JSON writes a JSON response with the given HTTP status code.
// If encoding fails the error is logged, but the status code has already been
// sent on the wire so the client will receive the original status with a
// potentially truncated body.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response",
			"error", err,
		)
	}
}

// Error writes a standardised error response. kind's WireCode() supplies the
// "code" field, so every Control API error shares the same vocabulary the
// signing middleware and domain.BrokerError use.
func Error(w http.ResponseWriter, status int, kind domain.ErrorKind, message string) {
	JSON(w, status, ErrorResponse{
		Code:    kind.WireCode(),
		Message: message,
	})
}

// ErrorWithDetails writes a standardised error response that includes
// additional structured details (e.g. per-field validation errors).
func ErrorWithDetails(w http.ResponseWriter, status int, kind domain.ErrorKind, message string, details interface{}) {
	JSON(w, status, ErrorResponse{
		Code:    kind.WireCode(),
		Message: message,
		Details: details,
	})
}
