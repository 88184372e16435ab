package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GinLogger returns a gin middleware that logs requests through zerolog.
// Each request is logged after its handler returns, so WebSocket and SSE
// requests are logged when the connection ends, not when it opens.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := Info()
		status := c.Writer.Status()
		if status >= 500 {
			event = Error()
		} else if status >= 400 {
			event = Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
