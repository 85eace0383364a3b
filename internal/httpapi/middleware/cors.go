package middleware

import (
	"net/http"
	"strings"
)

// CORSMiddleware returns an http.Handler middleware that applies CORS headers
// based on the provided list of allowed origins. An entry of "*" allows all
// origins (useful during development); an entry starting with "*." allows
// the origin's host to be that suffix or any subdomain of it, e.g.
// "*.example.com" matches both "https://example.com" and
// "https://app.example.com" but not "https://evilexample.com".
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	originSet := make(map[string]struct{}, len(allowedOrigins))
	var wildcardSuffixes []string
	for _, o := range allowedOrigins {
		switch {
		case o == "*":
			allowAll = true
		case strings.HasPrefix(o, "*."):
			wildcardSuffixes = append(wildcardSuffixes, o[1:]) // keep the leading dot
		default:
			originSet[o] = struct{}{}
		}
	}

	originAllowed := func(origin string) bool {
		if allowAll {
			return true
		}
		if _, ok := originSet[origin]; ok {
			return true
		}
		host := origin
		if idx := strings.Index(origin, "://"); idx >= 0 {
			host = origin[idx+3:]
		}
		for _, suffix := range wildcardSuffixes {
			bareHost := suffix[1:] // drop the leading dot, e.g. ".example.com" -> "example.com"
			if host == bareHost || strings.HasSuffix(host, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := origin != "" && originAllowed(origin)

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
					"Authorization",
					"Content-Type",
					"Accept",
					"Origin",
					"X-Requested-With",
				}, ", "))
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
