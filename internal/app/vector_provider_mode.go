package app

import (
	"errors"
	"fmt"

	"github.com/yungbote/kbchat-backend/internal/platform/chroma"
	"github.com/yungbote/kbchat-backend/internal/platform/envutil"
	"github.com/yungbote/kbchat-backend/internal/platform/qdrant"
)

type VectorProvider string

const (
	VectorProviderChroma VectorProvider = "chroma"
	VectorProviderQdrant VectorProvider = "qdrant"
	VectorProviderNone   VectorProvider = "none"
)

const (
	modeSourceExplicit = "vector_provider_env"
	modeSourceDetected = "url_detected"
	modeSourceDefault  = "no_url_configured"
)

type VectorProviderConfigErrorCode string

const (
	VectorProviderConfigErrorInvalidProvider     VectorProviderConfigErrorCode = "invalid_provider"
	VectorProviderConfigErrorMissingChromaURL    VectorProviderConfigErrorCode = "missing_chroma_url"
	VectorProviderConfigErrorInvalidChromaURL    VectorProviderConfigErrorCode = "invalid_chroma_url"
	VectorProviderConfigErrorMissingQdrantURL    VectorProviderConfigErrorCode = "missing_qdrant_url"
	VectorProviderConfigErrorInvalidQdrantURL    VectorProviderConfigErrorCode = "invalid_qdrant_url"
	VectorProviderConfigErrorInvalidQdrantVector VectorProviderConfigErrorCode = "invalid_qdrant_vector_dim"
	VectorProviderConfigErrorInvalidQdrantDist   VectorProviderConfigErrorCode = "invalid_qdrant_distance"
	VectorProviderConfigErrorUnknown             VectorProviderConfigErrorCode = "vector_config_error"
)

type VectorProviderConfigError struct {
	Code     VectorProviderConfigErrorCode
	Provider VectorProvider
	Cause    error
}

func (e *VectorProviderConfigError) Error() string {
	if e == nil {
		return "invalid vector provider config"
	}
	return fmt.Sprintf("invalid vector provider config (code=%s provider=%q): %v", e.Code, e.Provider, e.Cause)
}

func (e *VectorProviderConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

type VectorProviderConfig struct {
	Provider   VectorProvider
	ModeSource string
	Chroma     chroma.Config
	Qdrant     qdrant.Config
}

// resolveVectorProviderConfig picks the backend. An explicit provider wins; otherwise the
// first backend with a URL configured is used, and with neither retrieval is disabled.
func resolveVectorProviderConfig(requested string) (VectorProviderConfig, error) {
	provider := VectorProvider(requested)
	source := modeSourceExplicit
	if provider == "" {
		switch {
		case envutil.IsSet("CHROMA_URL"):
			provider, source = VectorProviderChroma, modeSourceDetected
		case envutil.IsSet("QDRANT_URL"):
			provider, source = VectorProviderQdrant, modeSourceDetected
		default:
			provider, source = VectorProviderNone, modeSourceDefault
		}
	}

	switch provider {
	case VectorProviderNone:
		return VectorProviderConfig{Provider: provider, ModeSource: source}, nil
	case VectorProviderChroma:
		ccfg, err := chroma.ResolveConfigFromEnv()
		if err != nil {
			return VectorProviderConfig{}, mapVectorProviderConfigError(provider, err)
		}
		return VectorProviderConfig{Provider: provider, ModeSource: source, Chroma: ccfg}, nil
	case VectorProviderQdrant:
		qcfg, err := qdrant.ResolveConfigFromEnv()
		if err != nil {
			return VectorProviderConfig{}, mapVectorProviderConfigError(provider, err)
		}
		return VectorProviderConfig{Provider: provider, ModeSource: source, Qdrant: qcfg}, nil
	default:
		return VectorProviderConfig{}, &VectorProviderConfigError{
			Code:     VectorProviderConfigErrorInvalidProvider,
			Provider: provider,
			Cause:    fmt.Errorf("unsupported vector provider %q", provider),
		}
	}
}

func mapVectorProviderConfigError(provider VectorProvider, err error) error {
	code := VectorProviderConfigErrorUnknown

	var cerr *chroma.ConfigError
	var qerr *qdrant.ConfigError
	switch {
	case errors.As(err, &cerr):
		switch cerr.Code {
		case chroma.ConfigErrorMissingURL:
			code = VectorProviderConfigErrorMissingChromaURL
		case chroma.ConfigErrorInvalidURL:
			code = VectorProviderConfigErrorInvalidChromaURL
		}
	case errors.As(err, &qerr):
		switch qerr.Code {
		case qdrant.ConfigErrorMissingURL:
			code = VectorProviderConfigErrorMissingQdrantURL
		case qdrant.ConfigErrorInvalidURL:
			code = VectorProviderConfigErrorInvalidQdrantURL
		case qdrant.ConfigErrorInvalidVectorDim:
			code = VectorProviderConfigErrorInvalidQdrantVector
		case qdrant.ConfigErrorInvalidDistance:
			code = VectorProviderConfigErrorInvalidQdrantDist
		}
	}
	return &VectorProviderConfigError{Code: code, Provider: provider, Cause: err}
}
