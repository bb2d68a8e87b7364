package httpapi

import (
	"freight-guard/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Instrument counts requests by matched route and status.
func Instrument(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.HTTPRequest(c.FullPath(), c.Writer.Status())
	}
}
