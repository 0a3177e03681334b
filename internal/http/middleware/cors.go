package middleware

import (
	"net/http"
	"strings"
)

const (
	corsHeaders = "Authorization, Content-Type, Last-Event-ID, X-Request-ID"
	corsMethods = "GET, POST, OPTIONS"
)

// Origins is the browser origin allowlist shared by CORS and the admin
// WebSocket upgrade. "*" admits any origin.
type Origins struct {
	any bool
	set map[string]struct{}
}

// NewOrigins normalizes a configured origin list. Trailing slashes and
// case differences in scheme/host are ignored.
func NewOrigins(allowed []string) Origins {
	o := Origins{set: make(map[string]struct{}, len(allowed))}
	for _, origin := range allowed {
		origin = normalizeOrigin(origin)
		switch origin {
		case "":
		case "*":
			o.any = true
		default:
			o.set[origin] = struct{}{}
		}
	}
	return o
}

// Allows reports whether a non-empty Origin header value is admitted.
func (o Origins) Allows(origin string) bool {
	if o.any {
		return true
	}
	_, ok := o.set[normalizeOrigin(origin)]
	return ok
}

// CheckRequest admits requests without an Origin header (non-browser
// clients) and browser requests from allowed origins.
func (o Origins) CheckRequest(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || o.Allows(origin)
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}

// CORS lets the chat widget and supervisor console call the API from
// allowed origins and answers preflight requests directly.
func CORS(origins Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			if origins.Allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
