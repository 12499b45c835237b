package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/appforge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/appforge-backend/internal/http/middleware"
	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string

	AuthMiddleware *httpMW.AuthMiddleware
	SessionHandler *httpH.SessionHandler
	StreamHandler  *httpH.StreamHandler
	LibraryHandler *httpH.LibraryHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(observability.Current()))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/metrics", cfg.HealthHandler.Metrics)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}
	{
		// Sessions
		if cfg.SessionHandler != nil {
			api.POST("/sessions", cfg.SessionHandler.Start)
			api.GET("/sessions/:id", cfg.SessionHandler.Poll)
			api.POST("/sessions/:id/modify", cfg.SessionHandler.Modify)
			api.POST("/sessions/:id/stop", cfg.SessionHandler.Stop)
		}

		// Push
		if cfg.StreamHandler != nil {
			api.GET("/sessions/:id/stream", cfg.StreamHandler.SSE)
			api.GET("/sessions/:id/ws", cfg.StreamHandler.WS)
		}

		// Library
		if cfg.LibraryHandler != nil {
			api.GET("/library/stats", cfg.LibraryHandler.Stats)
			api.GET("/library/doctor", cfg.LibraryHandler.Doctor)
		}
	}

	return r
}
