package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yungbote/neurobridge-stream/internal/platform/ctxutil"
)

func TestTraceContextTagsChatRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	var seen *ctxutil.TraceData
	r := gin.New()
	r.Use(otelgin.Middleware("test", otelgin.WithTracerProvider(tp)))
	r.Use(AttachTraceContext())
	r.POST("/api/chats/:id/turns", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	})

	chatID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chats/"+chatID.String()+"/turns", nil)
	req.Header.Set(headerRequestID, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seen == nil {
		t.Fatalf("trace data missing from request context")
	}
	if seen.ChatID != chatID || seen.RequestID != "req-1" {
		t.Fatalf("trace data: want chat=%s request=req-1 got %+v", chatID, seen)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans: want=1 got=%d", len(spans))
	}
	if got := w.Header().Get(headerTraceID); got != spans[0].SpanContext().TraceID().String() {
		t.Fatalf("trace header: want span trace id got %q", got)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["chat_id"] != chatID.String() || attrs["request_id"] != "req-1" {
		t.Fatalf("span attributes: %v", attrs)
	}
}

func TestTraceContextWithoutSpanOrChat(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var seen *ctxutil.TraceData
	r := gin.New()
	r.Use(AttachTraceContext())
	r.GET("/healthcheck", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set(headerTraceID, "client-trace")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seen == nil || seen.TraceID != "client-trace" || seen.ChatID != uuid.Nil {
		t.Fatalf("trace data: %+v", seen)
	}
	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("request id header not generated")
	}
}
