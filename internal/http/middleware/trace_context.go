package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/neurobridge-stream/internal/platform/ctxutil"
)

const (
	headerTraceID   = "X-Trace-Id"
	headerRequestID = "X-Request-Id"
)

// AttachTraceContext correlates a request with its span and, on chat routes,
// with the chat it addresses. Turns started by the request inherit the ids.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		span := trace.SpanFromContext(ctx)
		td := &ctxutil.TraceData{RequestID: strings.TrimSpace(c.GetHeader(headerRequestID))}
		if td.RequestID == "" {
			td.RequestID = uuid.New().String()
		}
		// The server span wins over a client supplied id so logs join traces.
		if sc := span.SpanContext(); sc.HasTraceID() {
			td.TraceID = sc.TraceID().String()
		} else if id := strings.TrimSpace(c.GetHeader(headerTraceID)); id != "" {
			td.TraceID = id
		} else {
			td.TraceID = uuid.New().String()
		}

		attrs := []attribute.KeyValue{attribute.String("request_id", td.RequestID)}
		if chatID, err := uuid.Parse(c.Param("id")); err == nil && strings.HasPrefix(c.FullPath(), "/api/chats/") {
			td.ChatID = chatID
			attrs = append(attrs, attribute.String("chat_id", chatID.String()))
		}
		span.SetAttributes(attrs...)

		c.Request = c.Request.WithContext(ctxutil.WithTraceData(ctx, td))
		c.Writer.Header().Set(headerTraceID, td.TraceID)
		c.Writer.Header().Set(headerRequestID, td.RequestID)
		c.Next()
	}
}
