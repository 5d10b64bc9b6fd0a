package chroma

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/yungbote/kbchat-backend/internal/platform/envutil"
)

type Config struct {
	URL       string
	Tenant    string
	Database  string
	AuthToken string
	Timeout   time.Duration
}

type ConfigErrorCode string

const (
	ConfigErrorMissingURL ConfigErrorCode = "missing_url"
	ConfigErrorInvalidURL ConfigErrorCode = "invalid_url"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid chroma config"
	}
	switch e.Code {
	case ConfigErrorMissingURL:
		return "CHROMA_URL is required"
	case ConfigErrorInvalidURL:
		return fmt.Sprintf("invalid CHROMA_URL=%q; expected absolute URL like http://chroma:8000", e.Value)
	default:
		return "invalid chroma config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ResolveConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:       strings.TrimSpace(os.Getenv("CHROMA_URL")),
		Tenant:    envutil.String("CHROMA_TENANT", "default_tenant"),
		Database:  envutil.String("CHROMA_DATABASE", "default_database"),
		AuthToken: strings.TrimSpace(os.Getenv("CHROMA_AUTH_TOKEN")),
		Timeout:   envutil.Seconds("CHROMA_TIMEOUT_SECONDS", 10*time.Second),
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return &ConfigError{Code: ConfigErrorMissingURL}
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return &ConfigError{Code: ConfigErrorInvalidURL, Value: cfg.URL, Cause: err}
	}
	return nil
}
