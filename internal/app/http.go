package app

import (
	"github.com/yungbote/kbchat-backend/internal/http"
	httpH "github.com/yungbote/kbchat-backend/internal/http/handlers"
	httpMW "github.com/yungbote/kbchat-backend/internal/http/middleware"
	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

type Middleware struct {
	TokenAuth *httpMW.TokenAuth
}

type Handlers struct {
	Health *httpH.HealthHandler
	Chat   *httpH.ChatHandler
	Twilio *httpH.TwilioHandler
}

func wireHandlers(log *logger.Logger, cfg Config, services Services, clients Clients) Handlers {
	log.Info("Wiring handlers...")

	var sender httpH.ReplySender
	if clients.Twilio != nil {
		sender = clients.Twilio
	}
	webhook := httpH.TwilioWebhookConfig{
		PublicURL:   cfg.Webhook.PublicURL,
		TurnTimeout: cfg.Webhook.TurnTimeout,
	}
	if cfg.Webhook.ValidateSignature {
		webhook.AuthToken = clients.twilioAuthToken()
		if webhook.AuthToken == "" {
			log.Warn("WEBHOOK_VALIDATE_SIGNATURE is on but TWILIO_AUTH_TOKEN is empty; signatures are not checked")
		}
	}

	return Handlers{
		Health: httpH.NewHealthHandler(log, services.Chat),
		Chat:   httpH.NewChatHandler(log, services.Chat),
		Twilio: httpH.NewTwilioHandler(log, services.Chat, sender, webhook),
	}
}

func wireMiddleware(log *logger.Logger, cfg Config) Middleware {
	log.Info("Wiring middleware...")
	auth := httpMW.NewTokenAuth(log, cfg.APIAuthToken)
	if !auth.Enabled() {
		log.Warn("API_AUTH_TOKEN not set; /api routes are unauthenticated")
	}
	return Middleware{TokenAuth: auth}
}

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, middleware Middleware) *http.Server {
	return http.NewServer(http.RouterConfig{
		Log:           log,
		ServiceName:   cfg.ServiceName,
		CORSOrigins:   cfg.CORSOrigins,
		Metrics:       observability.Current(),
		TokenAuth:     middleware.TokenAuth,
		HealthHandler: handlers.Health,
		ChatHandler:   handlers.Chat,
		TwilioHandler: handlers.Twilio,
	})
}
