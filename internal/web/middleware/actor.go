package middleware

import (
	"net"
	"net/http"

	"github.com/kozaktomas/face-finder/internal/audit"
)

// maxUserAgent caps the user agent stored in audit entries.
const maxUserAgent = 256

// clientIP returns the host part of RemoteAddr. chi's RealIP middleware has
// already replaced it with the forwarded address when one was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Actor attaches the caller identity used for auditing and rate limiting.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.UserAgent()
		if len(ua) > maxUserAgent {
			ua = ua[:maxUserAgent]
		}
		ctx := audit.WithActor(r.Context(), audit.Actor{
			Principal: clientIP(r),
			UserAgent: ua,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
