package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kandev/orchestrator/internal/common/logger"
	"go.uber.org/zap"
)

// Recovery recovers panics inside handlers, logs them through zap, and
// returns a structured 500 instead of crashing the process. No panic may
// cross a component boundary; this is the last line of defense at the HTTP
// surface.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered in http handler",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal_error",
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin requests from the chat-bridge front-end and
// operator tooling during development.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
