package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDKey = "request_id"

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// LogFields adds the request ID to ginzap access log entries
func LogFields(c *gin.Context) []zap.Field {
	if id := c.GetString(requestIDKey); id != "" {
		return []zap.Field{zap.String("request_id", id)}
	}
	return nil
}
