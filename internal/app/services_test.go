package app

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/kbchat-backend/internal/modules/chat/steps"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/openai"
	"github.com/yungbote/kbchat-backend/internal/platform/twilio"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

type stubCompleter struct {
	calls int
	last  openai.ChatRequest
}

func (s *stubCompleter) Chat(_ context.Context, req openai.ChatRequest) (*openai.ChatResponse, error) {
	s.calls++
	s.last = req
	content := "Hello!"
	return &openai.ChatResponse{
		Choices: []openai.ChatChoice{{Message: openai.ChatResponseMessage{Role: "assistant", Content: &content}}},
	}, nil
}

type heartbeatStore struct {
	fakeInstrumentedInner
	err error
}

func (s *heartbeatStore) Heartbeat(context.Context) error { return s.err }

func testConfig(t *testing.T) Config {
	t.Helper()
	clearConfigEnv(t)
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestBuildServicesWithoutVectorStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.SystemPrompt = "Be brief."
	cfg.Chat.Model = "gpt-test"
	ai := &stubCompleter{}

	svc, err := buildServices(logger.NewNop(), cfg, chatDeps{AI: ai})
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}
	if svc.Knowledge.Enabled() {
		t.Fatalf("knowledge should be disabled without a store")
	}

	out, err := svc.Chat.GenerateReply(context.Background(), "+15550001", "hi")
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if out.Response != "Hello!" {
		t.Fatalf("response: want=%q got=%q", "Hello!", out.Response)
	}
	if ai.last.Model != "gpt-test" {
		t.Fatalf("model: want=%q got=%q", "gpt-test", ai.last.Model)
	}
	if len(ai.last.Messages) != 2 || ai.last.Messages[0].Content != "Be brief." {
		t.Fatalf("request should carry system prompt then user turn, got=%+v", ai.last.Messages)
	}
	if got := len(svc.Chat.GetConversationHistory("+15550001")); got != 3 {
		t.Fatalf("history length: want=3 got=%d", got)
	}
	if out.Tokens.TokenLimit != cfg.Chat.TokenLimit {
		t.Fatalf("token limit: want=%d got=%d", cfg.Chat.TokenLimit, out.Tokens.TokenLimit)
	}
}

func TestBuildServicesRequiresCompleter(t *testing.T) {
	if _, err := buildServices(logger.NewNop(), testConfig(t), chatDeps{}); err == nil {
		t.Fatalf("buildServices: expected error without completer")
	}
}

func TestBuildServicesStoreWithoutEmbedderFails(t *testing.T) {
	_, err := buildServices(logger.NewNop(), testConfig(t), chatDeps{AI: &stubCompleter{}, Store: &fakeInstrumentedInner{}})
	if err == nil {
		t.Fatalf("buildServices: expected error when store has no embedder")
	}
}

func TestCheckKnowledgeStore(t *testing.T) {
	cfg := testConfig(t)
	embed := steps.EmbedFunc(func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{1}}, nil
	})
	log := logger.NewNop()

	disabled, err := buildServices(log, cfg, chatDeps{AI: &stubCompleter{}})
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}
	if checkKnowledgeStore(context.Background(), log, disabled.Knowledge) {
		t.Fatalf("disabled retrieval must not report healthy")
	}

	healthy, err := buildServices(log, cfg, chatDeps{AI: &stubCompleter{}, Embed: embed, Store: &heartbeatStore{}})
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}
	if !checkKnowledgeStore(context.Background(), log, healthy.Knowledge) {
		t.Fatalf("reachable store should report healthy")
	}

	down, err := buildServices(log, cfg, chatDeps{AI: &stubCompleter{}, Embed: embed, Store: &heartbeatStore{err: vectorstore.ErrUnavailable}})
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}
	if checkKnowledgeStore(context.Background(), log, down.Knowledge) {
		t.Fatalf("failing heartbeat must not report healthy")
	}
	if err := down.Chat.KnowledgeReady(context.Background()); !errors.Is(err, vectorstore.ErrUnavailable) {
		t.Fatalf("KnowledgeReady: want ErrUnavailable got=%v", err)
	}
}

func TestWireHandlersWithoutTwilioClient(t *testing.T) {
	cfg := testConfig(t)
	log := logger.NewNop()
	svc, err := buildServices(log, cfg, chatDeps{AI: &stubCompleter{}})
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}

	h := wireHandlers(log, cfg, svc, Clients{TwilioConfig: twilio.Config{AuthToken: "tok"}})
	if h.Health == nil || h.Chat == nil || h.Twilio == nil {
		t.Fatalf("handlers not wired: %+v", h)
	}
	server := wireServer(log, cfg, h, wireMiddleware(log, cfg))
	if server == nil || server.Engine == nil {
		t.Fatalf("server not wired")
	}
}
