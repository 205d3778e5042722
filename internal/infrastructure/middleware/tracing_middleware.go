package middleware

import (
	"strings"
	"time"

	"peercall/internal/core/services"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per request. Probe and scrape endpoints in
// skipPaths are not traced. On /ws the span covers the whole relay
// connection and carries the authenticated participant.
func TracingMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		upgrade := strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.Bool("http.websocket_upgrade", upgrade),
		)

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// Auth runs after us and leaves the participant on the request.
		if participant, err := services.ParticipantFromContext(c.Request.Context()); err == nil {
			span.SetAttributes(attribute.String("peercall.participant", string(participant)))
		}
		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)

		if len(c.Errors) > 0 || c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
