package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func applySecurityHeaders(cfg SecurityHeadersConfig) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// APISecurityHeadersConfig
// ---------------------------------------------------------------------------

func TestAPISecurityHeadersConfig(t *testing.T) {
	plain := APISecurityHeadersConfig(false)
	if plain.EnableHSTS {
		t.Error("EnableHSTS should be false without TLS")
	}
	if plain.FrameOptionsValue != "DENY" {
		t.Errorf("FrameOptionsValue = %q, want DENY", plain.FrameOptionsValue)
	}
	if plain.CrossOriginResourcePolicy != "cross-origin" {
		t.Errorf("CrossOriginResourcePolicy = %q, want cross-origin", plain.CrossOriginResourcePolicy)
	}

	if !APISecurityHeadersConfig(true).EnableHSTS {
		t.Error("EnableHSTS should be true with TLS")
	}
}

// ---------------------------------------------------------------------------
// SecurityHeadersMiddleware
// ---------------------------------------------------------------------------

func TestSecurityHeadersMiddleware_HSTS(t *testing.T) {
	tests := []struct {
		name string
		cfg  SecurityHeadersConfig
		want string
	}{
		{"disabled", SecurityHeadersConfig{}, ""},
		{"max-age only", SecurityHeadersConfig{EnableHSTS: true, HSTSMaxAge: 600}, "max-age=600"},
		{"subdomains", SecurityHeadersConfig{EnableHSTS: true, HSTSMaxAge: 31536000, HSTSIncludeSubdomains: true}, "max-age=31536000; includeSubDomains"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := applySecurityHeaders(tt.cfg)
			if got := w.Header().Get("Strict-Transport-Security"); got != tt.want {
				t.Errorf("Strict-Transport-Security = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSecurityHeadersMiddleware_APIConfig(t *testing.T) {
	w := applySecurityHeaders(APISecurityHeadersConfig(false))

	want := map[string]string{
		"X-Frame-Options":                   "DENY",
		"X-Content-Type-Options":            "nosniff",
		"Content-Security-Policy":           "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":                   "no-referrer",
		"Cross-Origin-Resource-Policy":      "cross-origin",
		"X-Permitted-Cross-Domain-Policies": "none",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be sent without TLS")
	}
}

func TestSecurityHeadersMiddleware_EmptyValuesOmitted(t *testing.T) {
	w := applySecurityHeaders(SecurityHeadersConfig{})

	for _, header := range []string{"X-Frame-Options", "Content-Security-Policy", "Referrer-Policy", "Cross-Origin-Resource-Policy"} {
		if got := w.Header().Get(header); got != "" {
			t.Errorf("%s = %q, want empty", header, got)
		}
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("X-Content-Type-Options is always set")
	}
}
