package middleware

import (
	"net/http"
	"slices"
	"strings"
)

var (
	corsMethods      = "GET, POST, OPTIONS"
	corsAllowHeaders = strings.Join([]string{
		"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization",
		"Connect-Protocol-Version", "Connect-Timeout-Ms", "Connect-Content-Encoding",
		"Connect-Accept-Encoding", "X-User-Agent",
	}, ", ")
	// Cmdforge-Error-Kind lets browser clients restore typed registry errors.
	corsExposeHeaders = strings.Join([]string{
		"Cmdforge-Error-Kind", "Connect-Content-Encoding", "Connect-Accept-Encoding",
	}, ", ")
)

// CORS answers preflight requests and decorates responses for the given
// origins. With no origins configured any origin is echoed back.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := func(origin string) bool {
		return len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, origin)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			switch {
			case origin == "":
				h.Set("Access-Control-Allow-Origin", "*")
			case allowed(origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			default:
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
