// Package security carries the HTTP hardening shared by every route and the
// outbound URL check applied to the gateway base URL.
package security

import (
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware sets response headers for a JSON-only API. Balances and
// ledger views must never be cached by intermediaries. hsts adds
// Strict-Transport-Security and belongs behind TLS termination only.
func HeadersMiddleware(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		c.Next()
	}
}
