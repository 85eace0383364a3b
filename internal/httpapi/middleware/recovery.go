package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/tomnagengast/revurb/internal/domain"
)

// maxLoggedStackBytes caps the panic stack trace written to the log line.
// A full goroutine dump can run to tens of KB; slog's JSON handler would
// happily encode all of it, which turns one panic into a multi-line log
// blowout. The truncated prefix is enough to locate the panicking frame.
const maxLoggedStackBytes = 4096

// RecoveryMiddleware recovers from panics in downstream handlers, logs the
// stack trace, and returns a 500 Internal Server Error to the client.
// NewRouter installs it as the outermost middleware, so it also catches
// panics raised in the other middlewares. LoggingMiddleware writes no access
// log entry for a request whose handler panicked; this middleware's own log
// line is the record of it.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				if len(stack) > maxLoggedStackBytes {
					stack = stack[:maxLoggedStackBytes]
				}

				slog.Error("panic recovered in HTTP handler",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"stack", string(stack),
				)

				writeError(w, http.StatusInternalServerError, domain.KindInternal, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}
