package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appforge-backend/internal/observability"
)

// Metrics counts every API request. Push streams stay open for the life of
// the connection, so they are counted but kept out of the latency histogram
// and the in-flight gauge.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		streaming := isStreamRoute(route)
		start := time.Now()
		if !streaming {
			m.ApiInflightInc()
			defer m.ApiInflightDec()
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		if streaming {
			m.CountAPI(c.Request.Method, route, status)
			return
		}
		m.ObserveAPI(c.Request.Method, route, status, time.Since(start))
	}
}

func isStreamRoute(route string) bool {
	return strings.HasSuffix(route, "/stream") || strings.HasSuffix(route, "/ws")
}
