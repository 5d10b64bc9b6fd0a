package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/kbchat-backend/internal/modules/chat/steps"
	"github.com/yungbote/kbchat-backend/internal/platform/envutil"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

const (
	DefaultPort           = "8080"
	DefaultServiceName    = "kbchat"
	DefaultCollection     = "knowledge-base"
	DefaultTokenizerModel = "gpt-4o-mini"
	DefaultSystemPrompt   = "You are a helpful assistant. Answer using the knowledge base context when it is relevant and cite the sources you rely on."
)

type ChatConfig struct {
	SystemPrompt   string `yaml:"system_prompt"`
	TokenLimit     int    `yaml:"token_limit"`
	Model          string `yaml:"model"`
	TokenizerModel string `yaml:"tokenizer_model"`
}

type KnowledgeConfig struct {
	Collection    string `yaml:"collection"`
	TopK          int    `yaml:"top_k"`
	MaxCharacters int    `yaml:"max_characters"`
}

type WebhookConfig struct {
	ValidateSignature bool          `yaml:"validate_signature"`
	PublicURL         string        `yaml:"public_url"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
}

type Config struct {
	Port        string `yaml:"port"`
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`

	Chat      ChatConfig      `yaml:"chat"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Webhook   WebhookConfig   `yaml:"webhook"`

	// VectorProvider is chroma, qdrant or none. Empty means pick from whichever URL is set.
	VectorProvider string `yaml:"vector_provider"`

	APIAuthToken  string        `yaml:"-"`
	CORSOrigins   []string      `yaml:"cors_origins"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Source is the overlay file the config was read from, if any.
	Source string `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		Port:        DefaultPort,
		ServiceName: DefaultServiceName,
		Environment: "development",
		Chat: ChatConfig{
			SystemPrompt:   DefaultSystemPrompt,
			TokenLimit:     steps.DefaultTokenLimit,
			TokenizerModel: DefaultTokenizerModel,
		},
		Knowledge: KnowledgeConfig{
			Collection:    DefaultCollection,
			TopK:          steps.DefaultTopK,
			MaxCharacters: steps.DefaultMaxCharacters,
		},
		Webhook: WebhookConfig{
			ValidateSignature: true,
			TurnTimeout:       2 * time.Minute,
		},
		ShutdownGrace: 15 * time.Second,
	}
}

// LoadConfig layers the environment over an optional YAML file named by CHAT_CONFIG_FILE
// over built-in defaults. Only variables that are actually set override the file.
func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("CHAT_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeConfigYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg.Source = path
		if log != nil {
			log.Info("Loaded config overlay", "path", path)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfigYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.ServiceName, "SERVICE_NAME")
	setString(&cfg.Environment, "ENVIRONMENT")

	setString(&cfg.Chat.SystemPrompt, "CHAT_SYSTEM_PROMPT")
	setInt(&cfg.Chat.TokenLimit, "CHAT_TOKEN_LIMIT")
	setString(&cfg.Chat.Model, "CHAT_MODEL")
	setString(&cfg.Chat.TokenizerModel, "TOKENIZER_MODEL")

	setString(&cfg.Knowledge.Collection, "KNOWLEDGE_COLLECTION")
	setInt(&cfg.Knowledge.TopK, "KNOWLEDGE_TOP_K")
	setInt(&cfg.Knowledge.MaxCharacters, "KNOWLEDGE_MAX_CHARACTERS")

	setString(&cfg.VectorProvider, "VECTOR_PROVIDER")
	cfg.VectorProvider = strings.ToLower(strings.TrimSpace(cfg.VectorProvider))

	setString(&cfg.APIAuthToken, "API_AUTH_TOKEN")
	if envutil.IsSet("CORS_ORIGINS") {
		cfg.CORSOrigins = splitList(os.Getenv("CORS_ORIGINS"))
	}
	if envutil.IsSet("SHUTDOWN_GRACE_SECONDS") {
		cfg.ShutdownGrace = envutil.Seconds("SHUTDOWN_GRACE_SECONDS", cfg.ShutdownGrace)
	}

	if envutil.IsSet("WEBHOOK_VALIDATE_SIGNATURE") {
		cfg.Webhook.ValidateSignature = envutil.Bool("WEBHOOK_VALIDATE_SIGNATURE", cfg.Webhook.ValidateSignature)
	}
	setString(&cfg.Webhook.PublicURL, "WEBHOOK_PUBLIC_URL")
	if envutil.IsSet("WEBHOOK_TURN_TIMEOUT_SECONDS") {
		cfg.Webhook.TurnTimeout = envutil.Seconds("WEBHOOK_TURN_TIMEOUT_SECONDS", cfg.Webhook.TurnTimeout)
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("invalid config: port is required")
	}
	if c.Chat.TokenLimit <= 0 {
		return fmt.Errorf("invalid config: CHAT_TOKEN_LIMIT must be positive, got %d", c.Chat.TokenLimit)
	}
	if c.Knowledge.TopK <= 0 {
		return fmt.Errorf("invalid config: KNOWLEDGE_TOP_K must be positive, got %d", c.Knowledge.TopK)
	}
	if c.Knowledge.MaxCharacters <= 0 {
		return fmt.Errorf("invalid config: KNOWLEDGE_MAX_CHARACTERS must be positive, got %d", c.Knowledge.MaxCharacters)
	}
	switch VectorProvider(c.VectorProvider) {
	case "", VectorProviderChroma, VectorProviderQdrant, VectorProviderNone:
	default:
		return fmt.Errorf("invalid config: unsupported VECTOR_PROVIDER %q", c.VectorProvider)
	}
	return nil
}

func (c Config) Addr() string {
	port := strings.TrimPrefix(strings.TrimSpace(c.Port), ":")
	return ":" + port
}

func setString(dst *string, name string) {
	if envutil.IsSet(name) {
		*dst = envutil.String(name, *dst)
	}
}

func setInt(dst *int, name string) {
	if envutil.IsSet(name) {
		*dst = envutil.Int(name, *dst)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
