package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/gotrs-mail/internal/auth"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

const (
	callerKey = "caller"
	claimsKey = "claims"
)

type AuthMiddleware struct {
	jwtManager *auth.JWTManager
}

func NewAuthMiddleware(jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwtManager: jwtManager}
}

// RequireAuth rejects requests without a valid token and stores the caller
// for the handlers.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			unauthorized(c, "Missing authorization token")
			return
		}
		if m.jwtManager == nil {
			unauthorized(c, "Authentication is not configured")
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(claimsKey, claims)
		c.Set(callerKey, outgoing.Caller{
			User:          claims.User,
			SystemManager: claims.HasRole(auth.RoleSystemManager),
			IPAddress:     c.ClientIP(),
		})
		c.Next()
	}
}

func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(claimsKey)
		if !exists {
			unauthorized(c, "User not authenticated")
			return
		}

		claims := v.(*auth.Claims)
		for _, role := range roles {
			if claims.HasRole(role) {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
		c.Abort()
	}
}

// RequirePushToken guards the endpoints the mail server calls back into. An
// empty token disables them.
func RequirePushToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Delivery status push is not configured"})
			c.Abort()
			return
		}
		got := extractToken(c)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			unauthorized(c, "Invalid push token")
			return
		}
		c.Next()
	}
}

// CallerFrom returns the caller stored by RequireAuth
func CallerFrom(c *gin.Context) (outgoing.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return outgoing.Caller{}, false
	}
	caller, ok := v.(outgoing.Caller)
	return caller, ok
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		// "Bearer <token>" or "token <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 {
			switch strings.ToLower(parts[0]) {
			case "bearer", "token":
				return strings.TrimSpace(parts[1])
			}
		}
	}

	// WebSocket clients cannot set headers
	if token := c.Query("token"); token != "" {
		return token
	}

	if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
		return cookie
	}
	return ""
}

func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": message})
	c.Abort()
}
