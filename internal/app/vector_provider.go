package app

import (
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"strings"

	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/chroma"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/qdrant"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

var (
	newChromaStore = func(log *logger.Logger, cfg chroma.Config) (vectorstore.Store, error) {
		return chroma.New(log, cfg)
	}
	newQdrantStore = func(log *logger.Logger, cfg qdrant.Config) (vectorstore.Store, error) {
		return qdrant.NewStore(log, cfg)
	}
)

type VectorProviderBootstrapErrorCode string

const (
	VectorProviderBootstrapErrorInvalidProvider    VectorProviderBootstrapErrorCode = "invalid_provider"
	VectorProviderBootstrapErrorConfigInvalid      VectorProviderBootstrapErrorCode = "config_invalid"
	VectorProviderBootstrapErrorConnectFailed      VectorProviderBootstrapErrorCode = "connect_failed"
	VectorProviderBootstrapErrorProviderInitFailed VectorProviderBootstrapErrorCode = "provider_init_failed"
	VectorProviderBootstrapCodeDisabled            VectorProviderBootstrapErrorCode = "disabled"
)

type VectorProviderBootstrapError struct {
	Code     VectorProviderBootstrapErrorCode
	Provider VectorProvider
	Cause    error
}

func (e *VectorProviderBootstrapError) Error() string {
	if e == nil {
		return "vector provider bootstrap failed"
	}
	return fmt.Sprintf("vector provider bootstrap failed (code=%s provider=%q): %v", e.Code, e.Provider, e.Cause)
}

func (e *VectorProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveVectorStore builds the configured backend wrapped with metrics. A nil store with a
// nil error means retrieval is disabled.
func resolveVectorStore(log *logger.Logger, cfg VectorProviderConfig) (vectorstore.Store, error) {
	provider := cfg.Provider
	metrics := observability.Current()
	metrics.SetVectorStoreProvider(string(provider))

	var (
		store vectorstore.Store
		err   error
	)
	switch provider {
	case VectorProviderNone:
		log.Warn("No vector store configured; knowledge retrieval disabled", "provider_mode_source", cfg.ModeSource)
		metrics.ObserveVectorStoreBootstrap(string(provider), "degraded", string(VectorProviderBootstrapCodeDisabled))
		return nil, nil
	case VectorProviderChroma:
		log.Info(
			"Selecting vector store provider",
			"provider", provider,
			"provider_mode_source", cfg.ModeSource,
			"chroma_url", cfg.Chroma.URL,
			"chroma_tenant", cfg.Chroma.Tenant,
			"chroma_database", cfg.Chroma.Database,
		)
		store, err = newChromaStore(log, cfg.Chroma)
	case VectorProviderQdrant:
		log.Info(
			"Selecting vector store provider",
			"provider", provider,
			"provider_mode_source", cfg.ModeSource,
			"qdrant_url", cfg.Qdrant.URL,
			"qdrant_vector_dim", cfg.Qdrant.VectorDim,
			"qdrant_document_key", cfg.Qdrant.DocumentKey,
		)
		store, err = newQdrantStore(log, cfg.Qdrant)
	default:
		err := &VectorProviderBootstrapError{
			Code:     VectorProviderBootstrapErrorInvalidProvider,
			Provider: provider,
			Cause:    fmt.Errorf("unsupported vector provider %q", provider),
		}
		metrics.ObserveVectorStoreBootstrap(string(provider), "error", string(err.Code))
		log.Error("Vector store provider selection failed", "provider", provider, "error_code", err.Code, "error", err)
		return nil, err
	}

	if err != nil {
		classified := classifyVectorProviderBootstrapError(provider, err)
		code := vectorProviderBootstrapErrorCode(classified)
		metrics.ObserveVectorStoreBootstrap(string(provider), "error", string(code))
		log.Error(
			"Vector store provider bootstrap failed",
			"provider", provider,
			"provider_mode_source", cfg.ModeSource,
			"error_code", code,
			"error", classified,
		)
		return nil, classified
	}
	metrics.ObserveVectorStoreBootstrap(string(provider), "success", "none")
	return instrumentVectorStore(string(provider), store), nil
}

func classifyVectorProviderBootstrapError(provider VectorProvider, err error) error {
	code := VectorProviderBootstrapErrorProviderInitFailed

	var urlErr *neturl.Error
	var netErr net.Error
	var chromaCfgErr *chroma.ConfigError
	var qdrantCfgErr *qdrant.ConfigError
	switch {
	case errors.As(err, &chromaCfgErr), errors.As(err, &qdrantCfgErr):
		code = VectorProviderBootstrapErrorConfigInvalid
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		code = VectorProviderBootstrapErrorConnectFailed
	case strings.Contains(strings.ToLower(err.Error()), "connection refused"):
		code = VectorProviderBootstrapErrorConnectFailed
	}
	return &VectorProviderBootstrapError{Code: code, Provider: provider, Cause: err}
}

func vectorProviderBootstrapErrorCode(err error) VectorProviderBootstrapErrorCode {
	var bootstrapErr *VectorProviderBootstrapError
	if errors.As(err, &bootstrapErr) && bootstrapErr.Code != "" {
		return bootstrapErr.Code
	}
	return VectorProviderBootstrapErrorConnectFailed
}
