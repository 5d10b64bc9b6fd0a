package app

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/yungbote/kbchat-backend/internal/platform/chroma"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/qdrant"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

func stubVectorFactories(t *testing.T) {
	t.Helper()
	origChroma, origQdrant := newChromaStore, newQdrantStore
	t.Cleanup(func() {
		newChromaStore = origChroma
		newQdrantStore = origQdrant
	})
	newChromaStore = func(*logger.Logger, chroma.Config) (vectorstore.Store, error) {
		t.Fatalf("chroma factory must not be called")
		return nil, nil
	}
	newQdrantStore = func(*logger.Logger, qdrant.Config) (vectorstore.Store, error) {
		t.Fatalf("qdrant factory must not be called")
		return nil, nil
	}
}

func TestResolveVectorStoreChromaSelected(t *testing.T) {
	stubVectorFactories(t)
	inner := &fakeInstrumentedInner{}
	var captured chroma.Config
	newChromaStore = func(_ *logger.Logger, cfg chroma.Config) (vectorstore.Store, error) {
		captured = cfg
		return inner, nil
	}

	vs, err := resolveVectorStore(logger.NewNop(), VectorProviderConfig{
		Provider:   VectorProviderChroma,
		ModeSource: modeSourceExplicit,
		Chroma:     chroma.Config{URL: "http://chroma:8000", Tenant: "acme"},
	})
	if err != nil {
		t.Fatalf("resolveVectorStore: %v", err)
	}
	if vs == nil {
		t.Fatalf("vector store: expected non-nil chroma store")
	}
	if _, ok := vs.(*instrumentedVectorStore); !ok {
		t.Fatalf("vector store: expected instrumented wrapper, got=%T", vs)
	}
	if err := vs.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if inner.heartbeatCalls != 1 {
		t.Fatalf("underlying store not called; heartbeat_calls=%d", inner.heartbeatCalls)
	}
	if captured.URL != "http://chroma:8000" || captured.Tenant != "acme" {
		t.Fatalf("chroma config not passed through: %+v", captured)
	}
}

func TestResolveVectorStoreQdrantSelected(t *testing.T) {
	stubVectorFactories(t)
	var captured qdrant.Config
	newQdrantStore = func(_ *logger.Logger, cfg qdrant.Config) (vectorstore.Store, error) {
		captured = cfg
		return &fakeInstrumentedInner{}, nil
	}

	vs, err := resolveVectorStore(logger.NewNop(), VectorProviderConfig{
		Provider: VectorProviderQdrant,
		Qdrant:   qdrant.Config{URL: "http://qdrant:6333", VectorDim: 3},
	})
	if err != nil {
		t.Fatalf("resolveVectorStore: %v", err)
	}
	if vs == nil {
		t.Fatalf("vector store: expected non-nil qdrant store")
	}
	if captured.VectorDim != 3 {
		t.Fatalf("qdrant.VectorDim: want=%d got=%d", 3, captured.VectorDim)
	}
}

func TestResolveVectorStoreNoneDisablesRetrieval(t *testing.T) {
	stubVectorFactories(t)

	vs, err := resolveVectorStore(logger.NewNop(), VectorProviderConfig{Provider: VectorProviderNone})
	if err != nil {
		t.Fatalf("resolveVectorStore: %v", err)
	}
	if vs != nil {
		t.Fatalf("vector store: expected nil, got=%T", vs)
	}
}

func TestResolveVectorStoreClassifiesBootstrapErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want VectorProviderBootstrapErrorCode
	}{
		{name: "config", err: &chroma.ConfigError{Code: chroma.ConfigErrorMissingURL}, want: VectorProviderBootstrapErrorConfigInvalid},
		{name: "network", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: VectorProviderBootstrapErrorConnectFailed},
		{name: "refused text", err: errors.New("dial tcp: connection refused"), want: VectorProviderBootstrapErrorConnectFailed},
		{name: "other", err: errors.New("boom"), want: VectorProviderBootstrapErrorProviderInitFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stubVectorFactories(t)
			newChromaStore = func(*logger.Logger, chroma.Config) (vectorstore.Store, error) {
				return nil, tc.err
			}
			vs, err := resolveVectorStore(logger.NewNop(), VectorProviderConfig{Provider: VectorProviderChroma})
			if vs != nil {
				t.Fatalf("vector store: expected nil on failure")
			}
			var got *VectorProviderBootstrapError
			if !errors.As(err, &got) {
				t.Fatalf("expected VectorProviderBootstrapError, got=%T (%v)", err, err)
			}
			if got.Code != tc.want {
				t.Fatalf("code: want=%q got=%q", tc.want, got.Code)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause not wrapped: %v", err)
			}
		})
	}
}

func TestResolveVectorStoreUnknownProvider(t *testing.T) {
	stubVectorFactories(t)

	_, err := resolveVectorStore(logger.NewNop(), VectorProviderConfig{Provider: "pinecone"})
	var got *VectorProviderBootstrapError
	if !errors.As(err, &got) {
		t.Fatalf("expected VectorProviderBootstrapError, got=%T", err)
	}
	if got.Code != VectorProviderBootstrapErrorInvalidProvider {
		t.Fatalf("code: want=%q got=%q", VectorProviderBootstrapErrorInvalidProvider, got.Code)
	}
}
