package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantOrigin  string
		wantStatus  int
		wantHandled bool
	}{
		{"listed origin", []string{"https://console.example.org"}, http.MethodGet, "https://console.example.org", "https://console.example.org", http.StatusOK, true},
		{"unknown origin", []string{"https://console.example.org"}, http.MethodGet, "https://evil.example", "", http.StatusOK, true},
		{"wildcard", []string{" * "}, http.MethodGet, "https://widget.example", "https://widget.example", http.StatusOK, true},
		{"preflight", []string{"https://console.example.org"}, http.MethodOptions, "https://console.example.org", "https://console.example.org", http.StatusNoContent, false},
		{"no origin header", []string{"*"}, http.MethodGet, "", "", http.StatusOK, true},
		{"trailing slash and case", []string{"https://Console.example.org/"}, http.MethodGet, "https://console.example.org", "https://console.example.org", http.StatusOK, true},
		{"preflight from unknown origin", []string{"https://console.example.org"}, http.MethodOptions, "https://evil.example", "", http.StatusNoContent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handled := false
			h := CORS(NewOrigins(tt.allowed))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handled = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tt.method, "/api/chat", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantHandled, handled)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantOrigin != "" {
				assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Last-Event-ID")
			}
		})
	}
}

func TestOriginsCheckRequest(t *testing.T) {
	origins := NewOrigins([]string{"https://console.example.org", ""})

	req := httptest.NewRequest(http.MethodGet, "/admin/alerts/ws", nil)
	assert.True(t, origins.CheckRequest(req), "non-browser clients send no Origin")

	req.Header.Set("Origin", "https://console.example.org")
	assert.True(t, origins.CheckRequest(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, origins.CheckRequest(req))

	assert.True(t, NewOrigins([]string{"*"}).Allows("https://anything.example"))
	assert.False(t, NewOrigins(nil).Allows("https://console.example.org"))
}
