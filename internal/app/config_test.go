package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CHAT_CONFIG_FILE", "PORT", "SERVICE_NAME", "ENVIRONMENT",
		"CHAT_SYSTEM_PROMPT", "CHAT_TOKEN_LIMIT", "CHAT_MODEL", "TOKENIZER_MODEL",
		"KNOWLEDGE_COLLECTION", "KNOWLEDGE_TOP_K", "KNOWLEDGE_MAX_CHARACTERS",
		"VECTOR_PROVIDER", "API_AUTH_TOKEN", "CORS_ORIGINS", "SHUTDOWN_GRACE_SECONDS",
		"WEBHOOK_VALIDATE_SIGNATURE", "WEBHOOK_PUBLIC_URL", "WEBHOOK_TURN_TIMEOUT_SECONDS",
	} {
		t.Setenv(k, "")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Chat.TokenLimit != 3000 {
		t.Fatalf("token limit: want=%d got=%d", 3000, cfg.Chat.TokenLimit)
	}
	if cfg.Knowledge.TopK != 5 {
		t.Fatalf("top k: want=%d got=%d", 5, cfg.Knowledge.TopK)
	}
	if cfg.Knowledge.Collection != DefaultCollection {
		t.Fatalf("collection: want=%q got=%q", DefaultCollection, cfg.Knowledge.Collection)
	}
	if cfg.Chat.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("system prompt: got=%q", cfg.Chat.SystemPrompt)
	}
	if !cfg.Webhook.ValidateSignature {
		t.Fatalf("webhook signature validation should default on")
	}
	if cfg.Addr() != ":8080" {
		t.Fatalf("addr: want=%q got=%q", ":8080", cfg.Addr())
	}
	if cfg.Source != "" {
		t.Fatalf("source: want empty got=%q", cfg.Source)
	}
}

func TestLoadConfigFileOverlayAndEnvPrecedence(t *testing.T) {
	clearConfigEnv(t)
	path := writeConfigFile(t, strings.Join([]string{
		"port: \"9090\"",
		"chat:",
		"  system_prompt: You answer store questions.",
		"  token_limit: 1200",
		"knowledge:",
		"  collection: store-faq",
		"  top_k: 3",
		"webhook:",
		"  turn_timeout: 45s",
		"cors_origins: [\"https://a.test\"]",
		"vector_provider: qdrant",
	}, "\n"))
	t.Setenv("CHAT_CONFIG_FILE", path)
	t.Setenv("KNOWLEDGE_TOP_K", "7")
	t.Setenv("CORS_ORIGINS", "https://b.test, https://c.test")
	t.Setenv("API_AUTH_TOKEN", "s3cret")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("source: want=%q got=%q", path, cfg.Source)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port: want=%q got=%q", "9090", cfg.Port)
	}
	if cfg.Chat.SystemPrompt != "You answer store questions." {
		t.Fatalf("system prompt: got=%q", cfg.Chat.SystemPrompt)
	}
	if cfg.Chat.TokenLimit != 1200 {
		t.Fatalf("token limit: want=%d got=%d", 1200, cfg.Chat.TokenLimit)
	}
	if cfg.Knowledge.Collection != "store-faq" {
		t.Fatalf("collection: want=%q got=%q", "store-faq", cfg.Knowledge.Collection)
	}
	if cfg.Knowledge.TopK != 7 {
		t.Fatalf("top k: env should win, want=%d got=%d", 7, cfg.Knowledge.TopK)
	}
	if cfg.Knowledge.MaxCharacters != 4000 {
		t.Fatalf("max characters: default should survive overlay, got=%d", cfg.Knowledge.MaxCharacters)
	}
	if cfg.Webhook.TurnTimeout != 45*time.Second {
		t.Fatalf("turn timeout: want=%s got=%s", 45*time.Second, cfg.Webhook.TurnTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://b.test" || cfg.CORSOrigins[1] != "https://c.test" {
		t.Fatalf("cors origins: got=%v", cfg.CORSOrigins)
	}
	if cfg.VectorProvider != "qdrant" {
		t.Fatalf("vector provider: want=%q got=%q", "qdrant", cfg.VectorProvider)
	}
	if cfg.APIAuthToken != "s3cret" {
		t.Fatalf("api auth token not read from env")
	}
}

func TestLoadConfigRejectsUnknownFileKeys(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_CONFIG_FILE", writeConfigFile(t, "chat:\n  token_limt: 10\n"))

	if _, err := LoadConfig(nil); err == nil {
		t.Fatalf("LoadConfig: expected error for unknown key")
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_CONFIG_FILE", writeConfigFile(t, ""))

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Chat.TokenLimit != 3000 {
		t.Fatalf("token limit: want=%d got=%d", 3000, cfg.Chat.TokenLimit)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "zero token limit", env: map[string]string{"CHAT_TOKEN_LIMIT": "0"}},
		{name: "negative top k", env: map[string]string{"KNOWLEDGE_TOP_K": "-1"}},
		{name: "unknown provider", env: map[string]string{"VECTOR_PROVIDER": "pinecone"}},
		{name: "missing file", env: map[string]string{"CHAT_CONFIG_FILE": "/nonexistent/chat.yaml"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(nil); err == nil {
				t.Fatalf("LoadConfig: expected error")
			}
		})
	}
}

func TestLoadConfigNormalizesProvider(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("VECTOR_PROVIDER", " Chroma ")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.VectorProvider != "chroma" {
		t.Fatalf("vector provider: want=%q got=%q", "chroma", cfg.VectorProvider)
	}
}
