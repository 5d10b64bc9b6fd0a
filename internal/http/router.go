package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/kbchat-backend/internal/http/handlers"
	httpMW "github.com/yungbote/kbchat-backend/internal/http/middleware"
	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics
	TokenAuth   *httpMW.TokenAuth

	HealthHandler *httpH.HealthHandler
	ChatHandler   *httpH.ChatHandler
	TwilioHandler *httpH.TwilioHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	// Inbound SMS; authenticated by request signature rather than bearer token.
	if cfg.TwilioHandler != nil {
		r.POST("/webhook/twilio", cfg.TwilioHandler.Inbound)
	}

	api := r.Group("/api")
	{
		if cfg.TokenAuth != nil {
			api.Use(cfg.TokenAuth.RequireToken())
		}
		if cfg.ChatHandler != nil {
			api.POST("/messages", cfg.ChatHandler.SendMessage)
			api.POST("/conversations/:id/reset", cfg.ChatHandler.ResetConversation)
			api.GET("/conversations/:id/history", cfg.ChatHandler.GetHistory)
		}
	}

	return r
}
