package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/logging"
)

// ContextKeyIdentity is the gin context key holding the *Identity.
const ContextKeyIdentity = "authIdentity"

// Middleware verifies the bearer token when one is present and stores the
// identity in the context. It never rejects a request by itself.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearer(c.GetHeader("Authorization")); token != "" {
			id, err := v.Verify(token)
			if err == nil {
				c.Set(ContextKeyIdentity, id)
			} else {
				logging.L(c.Request.Context()).Debug("bearer token rejected", "error", err)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "UNAUTHORIZED",
				"message":   "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
				"requestId": logging.RequestID(c.Request.Context()),
			})
			return
		}
		c.Next()
	}
}

// RequireWallet requires auth AND that the :paramName address is the
// authenticated wallet.
func RequireWallet(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "UNAUTHORIZED",
				"message":   "Bearer token required.",
				"requestId": logging.RequestID(c.Request.Context()),
			})
			return
		}
		if !strings.EqualFold(id.Wallet, c.Param(paramName)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":     "FORBIDDEN",
				"message":   "Token was not issued to this wallet.",
				"requestId": logging.RequestID(c.Request.Context()),
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the authenticated identity, if any.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
