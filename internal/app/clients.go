package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/openai"
	"github.com/yungbote/kbchat-backend/internal/platform/rediscache"
	"github.com/yungbote/kbchat-backend/internal/platform/twilio"
)

type Clients struct {
	OpenAI *openai.Client
	// Twilio is nil when no messaging credentials are configured.
	Twilio *twilio.Client
	// Redis is nil when REDIS_ADDR is unset or unreachable.
	Redis *goredis.Client

	TwilioConfig twilio.Config
	RedisConfig  rediscache.Config
}

func wireClients(ctx context.Context, log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	// OpenAI
	ocfg, err := openai.ConfigFromEnv()
	if err != nil {
		return Clients{}, fmt.Errorf("openai config: %w", err)
	}
	openaiClient, err := openai.New(log, ocfg)
	if err != nil {
		return Clients{}, fmt.Errorf("init openai client: %w", err)
	}

	// Twilio
	tcfg := twilio.ConfigFromEnv()
	var twilioClient *twilio.Client
	if tcfg.Configured() {
		c, err := twilio.New(log, tcfg)
		if err != nil {
			return Clients{}, fmt.Errorf("init twilio client: %w", err)
		}
		twilioClient = c
	} else {
		log.Info("Twilio credentials not set; webhook replies are returned inline")
	}

	// Redis
	rcfg := rediscache.ConfigFromEnv()
	var rdb *goredis.Client
	if rcfg.Addr != "" {
		c, err := rediscache.Dial(ctx, rcfg)
		if err != nil {
			log.Warn("Redis unavailable; embedding cache disabled", "addr", rcfg.Addr, "error", err)
		} else {
			rdb = c
		}
	}

	return Clients{
		OpenAI:       openaiClient,
		Twilio:       twilioClient,
		Redis:        rdb,
		TwilioConfig: tcfg,
		RedisConfig:  rcfg,
	}, nil
}

// twilioAuthToken is the account token used to sign webhooks, which may be set even when
// outbound delivery is not configured.
func (c *Clients) twilioAuthToken() string {
	return c.TwilioConfig.AuthToken
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
