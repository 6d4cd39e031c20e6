package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-mail/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	jwtManager := auth.NewJWTManager("test-secret", "gotrs-mail", "", time.Hour)
	authMiddleware := NewAuthMiddleware(jwtManager)

	newRouter := func(handlers ...gin.HandlerFunc) *gin.Engine {
		router := gin.New()
		router.Use(RequestID(), authMiddleware.RequireAuth())
		router.Use(handlers...)
		router.GET("/protected", func(c *gin.Context) {
			caller, ok := CallerFrom(c)
			require.True(t, ok)
			c.JSON(http.StatusOK, gin.H{"user": caller.User, "system_manager": caller.SystemManager})
		})
		return router
	}

	t.Run("RequireAuth blocks unauthenticated requests", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/protected", nil)
		newRouter().ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Missing authorization token")
	})

	t.Run("RequireAuth sets the caller", func(t *testing.T) {
		token, err := jwtManager.GenerateToken("alice", auth.RoleSystemManager)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		newRouter().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"user":"alice","system_manager":true}`, w.Body.String())
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("RequireAuth accepts the token query parameter", func(t *testing.T) {
		token, err := jwtManager.GenerateToken("bob")
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/protected?token="+token, nil)
		newRouter().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"user":"bob","system_manager":false}`, w.Body.String())
	})

	t.Run("RequireAuth rejects invalid token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		newRouter().ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired token")
	})

	t.Run("RequireRole forbids other roles", func(t *testing.T) {
		token, err := jwtManager.GenerateToken("bob")
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		newRouter(authMiddleware.RequireRole(auth.RoleSystemManager)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("RequestID keeps the client id", func(t *testing.T) {
		token, err := jwtManager.GenerateToken("bob")
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Request-ID", "req-42")
		newRouter().ServeHTTP(w, req)

		assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	})
}

func TestRequirePushToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	serve := func(configured, sent string) int {
		router := gin.New()
		router.POST("/push", RequirePushToken(configured), func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/push", nil)
		if sent != "" {
			req.Header.Set("Authorization", "token "+sent)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, serve("s3cret", "s3cret"))
	assert.Equal(t, http.StatusUnauthorized, serve("s3cret", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, serve("s3cret", ""))
	assert.Equal(t, http.StatusServiceUnavailable, serve("", "anything"))
}
