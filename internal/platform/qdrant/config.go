package qdrant

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/kbchat-backend/internal/platform/envutil"
)

const (
	DefaultDocumentKey = "document"
	DefaultDistance    = "Cosine"
)

type Config struct {
	URL    string
	APIKey string
	// VectorDim is only needed to create a collection that does not exist yet.
	VectorDim   int
	Distance    string
	DocumentKey string
	Timeout     time.Duration
}

type ConfigErrorCode string

const (
	ConfigErrorMissingURL       ConfigErrorCode = "missing_url"
	ConfigErrorInvalidURL       ConfigErrorCode = "invalid_url"
	ConfigErrorInvalidVectorDim ConfigErrorCode = "invalid_vector_dim"
	ConfigErrorInvalidDistance  ConfigErrorCode = "invalid_distance"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid qdrant config"
	}
	switch e.Code {
	case ConfigErrorMissingURL:
		return "QDRANT_URL is required"
	case ConfigErrorInvalidURL:
		return fmt.Sprintf(
			"invalid QDRANT_URL=%q; expected absolute URL like http://qdrant:6333",
			e.Value,
		)
	case ConfigErrorInvalidVectorDim:
		return fmt.Sprintf(
			"invalid QDRANT_VECTOR_DIM=%q; expected non-negative integer",
			e.Value,
		)
	case ConfigErrorInvalidDistance:
		return fmt.Sprintf(
			"invalid QDRANT_DISTANCE=%q; expected Cosine, Dot, Euclid or Manhattan",
			e.Value,
		)
	default:
		return "invalid qdrant config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ResolveConfigFromEnv() (Config, error) {
	rawDim := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM"))
	dim := 0
	if rawDim != "" {
		parsed, err := strconv.Atoi(rawDim)
		if err != nil {
			return Config{}, &ConfigError{
				Code:  ConfigErrorInvalidVectorDim,
				Value: rawDim,
				Cause: err,
			}
		}
		dim = parsed
	}

	cfg := Config{
		URL:         strings.TrimSpace(os.Getenv("QDRANT_URL")),
		APIKey:      strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		VectorDim:   dim,
		Distance:    envutil.String("QDRANT_DISTANCE", DefaultDistance),
		DocumentKey: envutil.String("QDRANT_DOCUMENT_KEY", DefaultDocumentKey),
		Timeout:     envutil.Seconds("QDRANT_TIMEOUT_SECONDS", 10*time.Second),
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ValidateConfig(cfg Config) error {
	if cfg.URL == "" {
		return &ConfigError{Code: ConfigErrorMissingURL}
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return &ConfigError{
			Code:  ConfigErrorInvalidURL,
			Value: cfg.URL,
			Cause: err,
		}
	}
	if cfg.VectorDim < 0 {
		return &ConfigError{
			Code:  ConfigErrorInvalidVectorDim,
			Value: strconv.Itoa(cfg.VectorDim),
		}
	}
	if d := strings.TrimSpace(cfg.Distance); d != "" && canonicalDistance(d) == "" {
		return &ConfigError{Code: ConfigErrorInvalidDistance, Value: d}
	}
	return nil
}

func canonicalDistance(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cosine":
		return "Cosine"
	case "dot":
		return "Dot"
	case "euclid":
		return "Euclid"
	case "manhattan":
		return "Manhattan"
	default:
		return ""
	}
}
