package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabReview/backend/internal/metrics"
)

// RequestLogger 用 zerolog 记录每个请求，并更新 HTTP 指标
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(elapsed.Seconds())

		evt := log.Info()
		if status >= 500 {
			evt = log.Error()
		} else if status >= 400 {
			evt = log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", elapsed).
			Str("client_ip", c.ClientIP()).
			Str("user_id", c.GetString(CtxUserID)).
			Msg("request")
	}
}
