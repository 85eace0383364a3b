package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tomnagengast/revurb/internal/domain"
)

// errorResponse mirrors api.ErrorResponse but is defined here to avoid an
// import cycle between the middleware and api packages.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response whose "code" field comes from
// kind.WireCode(), not a literal string at the call site, so every
// middleware-level rejection reports through the same error vocabulary
// domain.BrokerError uses at the protocol layer.
func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Code:    kind.WireCode(),
		Message: message,
	}); err != nil {
		slog.Error("failed to encode middleware error response", "error", err)
	}
}
