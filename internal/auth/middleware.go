package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/logging"
)

// ContextKeyPrincipal is the gin context key for the authenticated caller.
const ContextKeyPrincipal = "authPrincipal"

// Middleware verifies the bearer token, if any, and stores the principal.
// Browsers cannot set headers on WebSocket upgrades, so the token may also
// arrive as the "token" query parameter.
func Middleware(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		if token != "" {
			p, err := issuer.Verify(token)
			if err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), p.UserID))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose role is not role.
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if p.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This action requires the " + string(role) + " role.",
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated caller, if any.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
