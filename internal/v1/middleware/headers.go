package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders sets the baseline response headers for an intranet
// deployment behind plain HTTP or a TLS terminator.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "same-origin")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}
