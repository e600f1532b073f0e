package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func LoggerMiddleware(zapLogger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		// sessions log their own lifecycle; the request line only marks the upgrade
		if strings.Contains(c.Request.URL.Path, "/ws/") || c.Request.URL.Path == "/api/health" {
			zapLogger.Debug("HTTP request", fields...)
			return
		}
		zapLogger.Info("HTTP request", fields...)
	}
}
