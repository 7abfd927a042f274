// Package security provides SSRF protection and HTTP security middleware.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		// JSON API only; nothing here should ever render as a document.
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Next()
	}
}

// CORSPolicy describes the CORS headers for a group of routes.
type CORSPolicy struct {
	AllowOrigins  []string // "*" allows any origin without credentials
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
}

// CORSMiddleware applies the policy and answers preflight requests with 204.
func CORSMiddleware(p CORSPolicy) gin.HandlerFunc {
	origins := make(map[string]bool, len(p.AllowOrigins))
	for _, o := range p.AllowOrigins {
		origins[o] = true
	}
	wildcard := origins["*"]
	methods := strings.Join(p.AllowMethods, ", ")
	allowHeaders := strings.Join(p.AllowHeaders, ", ")
	exposeHeaders := strings.Join(p.ExposeHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && origins[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		if methods != "" {
			c.Header("Access-Control-Allow-Methods", methods)
		}
		if allowHeaders != "" {
			c.Header("Access-Control-Allow-Headers", allowHeaders)
		}
		if exposeHeaders != "" {
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
		}
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
