package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tomnagengast/revurb/internal/domain"
)

// RequireApp resolves the {appId} path segment to an Application and
// attaches it to the request context, without verifying a request
// signature. It guards the Control API's unauthenticated liveness endpoint
// (spec.md §4.7's GET /up), which still needs to 404 on an unknown tenant.
func RequireApp(lookup AppLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			appID := mux.Vars(r)["appId"]
			if appID == "" {
				writeError(w, http.StatusBadRequest, domain.KindHTTPValidation, "app_id is required")
				return
			}

			app, ok := lookup.ByID(appID)
			if !ok {
				slog.Warn("request for unknown app_id", "app_id", appID, "path", r.URL.Path)
				writeError(w, http.StatusNotFound, domain.KindNotFound, "unknown app_id")
				return
			}

			ctx := context.WithValue(r.Context(), appContextKey, app)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
