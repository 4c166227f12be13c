// Package middleware provides Gin HTTP middleware for request identification,
// metrics, security headers, rate limiting and API key authentication.
//
// Ordering is fixed in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → CORS → RateLimit → Auth → Handler
//
// Rate limiting runs before auth so rejected floods never reach the key store.
// Auth stores the resolved principal in the gin context for the handlers,
// which copy it into usage rows.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ocr-gateway/ocr-gateway/internal/auth"
	"github.com/ocr-gateway/ocr-gateway/internal/telemetry"
)

// Context keys set by AuthMiddleware.
const (
	PrincipalKey = "principal"
	UserIDKey    = "user_id"
	APIKeyKey    = "api_key"
)

// AuthMiddleware enforces the gate's default-open policy. With no active keys
// every request passes anonymously; otherwise a valid "Bearer <key>" header is
// required. A malformed header counts as no credential.
func AuthMiddleware(gate *auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := auth.ExtractAPIKeyFromHeader(c.GetHeader("Authorization"))

		principal, err := gate.Authenticate(c.Request.Context(), token)
		if err != nil {
			if auth.IsRejection(err) {
				reason := "invalid"
				if token == "" {
					reason = "missing"
				}
				telemetry.AuthRejectionsTotal.WithLabelValues(reason).Inc()
				c.Header("WWW-Authenticate", `Bearer realm="ocr-gateway"`)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": err.Error(),
					"kind":  "auth",
				})
				return
			}

			slog.Error("authentication failed", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication failed",
				"kind":  "store",
			})
			return
		}

		c.Set(PrincipalKey, principal)
		if uid := principal.UserID(); uid != "" {
			c.Set(UserIDKey, uid)
			c.Set(APIKeyKey, principal.Token())
		}
		c.Next()
	}
}

// GetPrincipal returns the principal stored by AuthMiddleware. Requests that
// did not pass through it are anonymous.
func GetPrincipal(c *gin.Context) auth.Principal {
	if v, ok := c.Get(PrincipalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Principal{}
}
