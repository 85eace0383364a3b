package middleware

import (
	"net/http"
)

// MaxJSONBodySize is the maximum allowed size for Control API request
// bodies (1 MB). Every revurb Control API endpoint is JSON (events,
// batch_events, channel queries, terminate_connections); there is no
// upload endpoint carrying a separate, larger limit.
const MaxJSONBodySize int64 = 1 << 20 // 1 MB

// BodyLimitMiddleware restricts the size of every request body to
// MaxJSONBodySize to prevent denial-of-service attacks via oversized
// payloads.
func BodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodySize)
		}

		next.ServeHTTP(w, r)
	})
}
