package gateway

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-diary/internal/otel"
	"github.com/basket/go-diary/internal/shared"
)

const (
	traceHeader = "X-Trace-Id"
	actorHeader = "X-Actor"
)

// traceMiddleware tags the request context with a trace id and actor, opens
// a server span and records the request duration.
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := strings.TrimSpace(c.GetHeader(traceHeader))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(c.Request.Context(), traceID)
		if actor := strings.TrimSpace(c.GetHeader(actorHeader)); actor != "" {
			ctx = shared.WithActor(ctx, actor)
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, c.Request.Method+" "+route, otel.AttrRoute.String(route))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Header(traceHeader, traceID)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(otel.AttrStatus.Int(status))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrRoute.String(route), otel.AttrStatus.Int(status)))
		}
		if status >= 500 {
			s.logger.WarnContext(ctx, "request", "method", c.Request.Method, "route", route, "status", status,
				"duration", time.Since(start), "trace_id", traceID)
		} else {
			s.logger.DebugContext(ctx, "request", "method", c.Request.Method, "route", route, "status", status,
				"duration", time.Since(start), "trace_id", traceID)
		}
	}
}
