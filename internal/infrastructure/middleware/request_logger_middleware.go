package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/carabina/PeerConnectivity/pkg/logger"
)

// RequestLoggerMiddleware writes an access log line per request. It must run
// after TracingMiddleware so the request and trace IDs are known.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := c.Request.Context()
		if id := c.Writer.Header().Get(RequestIDHeader); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if peerID, ok := PeerIDFromContext(c); ok {
			ctx = logger.WithPeerID(ctx, string(peerID))
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		cl.LogRequest(ctx, c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
