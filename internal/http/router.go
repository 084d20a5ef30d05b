package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/neurobridge-stream/internal/http/handlers"
	httpMW "github.com/yungbote/neurobridge-stream/internal/http/middleware"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	CORSOrigins    []string
	AuthMiddleware *httpMW.AuthMiddleware

	ChatHandler   *httpH.ChatHandler
	StreamHandler *httpH.StreamHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	protected := r.Group("/api")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Turns
		if cfg.ChatHandler != nil {
			protected.POST("/chats/:id/turns", cfg.ChatHandler.SendTurn)
			protected.POST("/chats/:id/stop", cfg.ChatHandler.StopTurn)
			protected.GET("/chats/:id/streams/last", cfg.ChatHandler.GetLastStream)
			protected.GET("/chats/:id/messages", cfg.ChatHandler.ListMessages)
		}

		// Resume (SSE)
		if cfg.StreamHandler != nil {
			protected.GET("/chats/:id/stream", cfg.StreamHandler.Stream)
		}
	}

	return r
}
