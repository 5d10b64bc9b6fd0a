package app

import (
	"fmt"

	"github.com/yungbote/kbchat-backend/internal/modules/chat"
	"github.com/yungbote/kbchat-backend/internal/modules/chat/steps"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/rediscache"
	"github.com/yungbote/kbchat-backend/internal/platform/tokenizer"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

type Services struct {
	Chat      chat.Usecases
	History   *steps.HistoryStore
	Knowledge *steps.KnowledgeRetriever
}

// chatDeps are the collaborators of the chat core, separated from Clients so tests can
// substitute fakes.
type chatDeps struct {
	AI      steps.ChatCompleter
	Embed   steps.Embedder
	Store   vectorstore.Store
	Encoder tokenizer.Encoder
}

func wireServices(log *logger.Logger, cfg Config, clients Clients, store vectorstore.Store) (Services, error) {
	log.Info("Wiring services...")

	var embed steps.Embedder = clients.OpenAI
	if clients.Redis != nil {
		cache, err := rediscache.NewEmbeddingCache(log, clients.Redis, clients.OpenAI, clients.OpenAI.EmbedModel(), clients.RedisConfig)
		if err != nil {
			return Services{}, fmt.Errorf("init embedding cache: %w", err)
		}
		embed = cache
		log.Info("Embedding cache enabled", "ttl", clients.RedisConfig.TTL.String())
	}

	enc := tokenizer.Lazy(cfg.Chat.TokenizerModel, tokenizer.Approx, func(err error) {
		log.Warn("Tokenizer unavailable; falling back to approximate counts", "model", cfg.Chat.TokenizerModel, "error", err)
	})

	return buildServices(log, cfg, chatDeps{
		AI:      clients.OpenAI,
		Embed:   embed,
		Store:   store,
		Encoder: enc,
	})
}

func buildServices(log *logger.Logger, cfg Config, deps chatDeps) (Services, error) {
	if deps.AI == nil {
		return Services{}, fmt.Errorf("chat completer required")
	}
	history := steps.NewHistoryStore(steps.HistoryConfig{
		SystemPrompt: cfg.Chat.SystemPrompt,
		TokenLimit:   cfg.Chat.TokenLimit,
		Encoder:      deps.Encoder,
	})

	var embed steps.Embedder
	if deps.Embed != nil {
		embed = steps.ValidatedEmbedder(deps.Embed)
	}
	knowledge, err := steps.NewKnowledgeRetriever(log, deps.Store, embed, steps.KnowledgeConfig{
		Collection:    cfg.Knowledge.Collection,
		TopK:          cfg.Knowledge.TopK,
		MaxCharacters: cfg.Knowledge.MaxCharacters,
	})
	if err != nil {
		return Services{}, fmt.Errorf("init knowledge retriever: %w", err)
	}

	usecases := chat.New(chat.UsecasesDeps{
		Log:       log.With("service", "ChatUsecases"),
		AI:        deps.AI,
		History:   history,
		Knowledge: knowledge,
		Model:     cfg.Chat.Model,
	})
	log.Info(
		"Chat core ready",
		"token_limit", history.TokenLimit(),
		"knowledge_enabled", knowledge.Enabled(),
		"collection", cfg.Knowledge.Collection,
		"top_k", cfg.Knowledge.TopK,
	)
	return Services{Chat: usecases, History: history, Knowledge: knowledge}, nil
}
