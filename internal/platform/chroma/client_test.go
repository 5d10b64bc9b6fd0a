package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

const testDBPath = "/api/v2/tenants/default_tenant/databases/default_database"

func TestGetOrCreateCollectionRequestShape(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost {
			t.Fatalf("method: want=%s got=%s", http.MethodPost, r.Method)
		}
		if r.URL.Path != testDBPath+"/collections" {
			t.Fatalf("path: want=%q got=%q", testDBPath+"/collections", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("auth header: want=%q got=%q", "Bearer secret", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{"id": "col-123", "name": "kb"}), nil
	})
	c.cfg.AuthToken = "secret"

	col, err := c.GetOrCreateCollection(context.Background(), vectorstore.CollectionSpec{
		Name:     "kb",
		Metadata: map[string]any{"hnsw:space": "cosine"},
	})
	if err != nil {
		t.Fatalf("GetOrCreateCollection: %v", err)
	}
	if col.Name() != "kb" {
		t.Fatalf("collection name: want=%q got=%q", "kb", col.Name())
	}
	if captured["name"] != "kb" || captured["get_or_create"] != true {
		t.Fatalf("request body mismatch: %v", captured)
	}
	meta, ok := captured["metadata"].(map[string]any)
	if !ok || meta["hnsw:space"] != "cosine" {
		t.Fatalf("metadata mismatch: %v", captured["metadata"])
	}
}

func TestGetOrCreateCollectionRejectsBlankName(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
		return nil, nil
	})
	_, err := c.GetOrCreateCollection(context.Background(), vectorstore.CollectionSpec{Name: "  "})
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Code != OperationErrorValidation {
		t.Fatalf("expected validation OperationError, got=%v", err)
	}
}

func TestCollectionQueryDecodesColumns(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case testDBPath + "/collections":
			return jsonResponse(t, http.StatusOK, map[string]any{"id": "col-123", "name": "kb"}), nil
		case testDBPath + "/collections/col-123/query":
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			return jsonResponse(t, http.StatusOK, map[string]any{
				"ids":       [][]string{{"a", "b"}},
				"documents": [][]any{{"first doc", nil}},
				"metadatas": [][]any{{map[string]any{"title": "First"}, nil}},
				"distances": [][]any{{0.12, 0.5}},
			}), nil
		default:
			t.Fatalf("unexpected path %q", r.URL.Path)
			return nil, nil
		}
	})

	col, err := c.GetOrCreateCollection(context.Background(), vectorstore.CollectionSpec{Name: "kb"})
	if err != nil {
		t.Fatalf("GetOrCreateCollection: %v", err)
	}
	res, err := col.Query(context.Background(), vectorstore.QueryRequest{
		QueryEmbeddings: [][]float32{{0.1, 0.2}},
		NResults:        2,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if captured["n_results"] != float64(2) {
		t.Fatalf("n_results: want=2 got=%v", captured["n_results"])
	}
	include, ok := captured["include"].([]any)
	if !ok || len(include) != 3 {
		t.Fatalf("include: got=%v", captured["include"])
	}
	row := res.Row(0)
	if len(row) != 2 {
		t.Fatalf("row length: want=2 got=%d", len(row))
	}
	if row[0].Document == nil || *row[0].Document != "first doc" {
		t.Fatalf("document[0] mismatch: %+v", row[0])
	}
	if row[1].Document != nil {
		t.Fatalf("document[1] should be nil")
	}
	if row[0].Metadata["title"] != "First" {
		t.Fatalf("metadata[0] mismatch: %v", row[0].Metadata)
	}
	if row[0].Distance == nil || *row[0].Distance != 0.12 {
		t.Fatalf("distance[0] mismatch: %v", row[0].Distance)
	}
}

func TestCollectionQueryRejectsEmptyEmbedding(t *testing.T) {
	col := &collection{client: newTestClient(t, nil), id: "col", name: "kb"}
	_, err := col.Query(context.Background(), vectorstore.QueryRequest{QueryEmbeddings: [][]float32{{}}})
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Code != OperationErrorValidation {
		t.Fatalf("expected validation OperationError, got=%v", err)
	}
}

func TestHeartbeatReportsStatus(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/api/v2/heartbeat" {
			t.Fatalf("path: want=%q got=%q", "/api/v2/heartbeat", r.URL.Path)
		}
		return jsonResponse(t, http.StatusServiceUnavailable, map[string]any{"error": "Unavailable", "message": "warming up"}), nil
	})
	err := c.Heartbeat(context.Background())
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got=%T", err)
	}
	if opErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: want=%d got=%d", http.StatusServiceUnavailable, opErr.StatusCode)
	}
	if opErr.Message != "chroma http status=503: warming up" {
		t.Fatalf("message: got=%q", opErr.Message)
	}
}

func TestClassifyHTTPCallError(t *testing.T) {
	var opErr *OperationError
	if err := classifyHTTPCallError("query", "timeout", context.DeadlineExceeded); !errors.As(err, &opErr) || opErr.Code != OperationErrorTimeout {
		t.Fatalf("deadline: want=%q got=%v", OperationErrorTimeout, err)
	}
	if err := classifyHTTPCallError("query", "transport", fmt.Errorf("boom")); !errors.As(err, &opErr) || opErr.Code != OperationErrorTransportFailed {
		t.Fatalf("transport: want=%q got=%v", OperationErrorTransportFailed, err)
	}
}

func TestValidateConfig(t *testing.T) {
	var cfgErr *ConfigError
	if err := ValidateConfig(Config{}); !errors.As(err, &cfgErr) || cfgErr.Code != ConfigErrorMissingURL {
		t.Fatalf("missing url: got=%v", err)
	}
	if err := ValidateConfig(Config{URL: "chroma:8000"}); !errors.As(err, &cfgErr) || cfgErr.Code != ConfigErrorInvalidURL {
		t.Fatalf("invalid url: got=%v", err)
	}
	if err := ValidateConfig(Config{URL: "http://chroma:8000"}); err != nil {
		t.Fatalf("valid url: %v", err)
	}
}

func TestResolveConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("CHROMA_URL", "http://localhost:8000")
	t.Setenv("CHROMA_TENANT", "")
	t.Setenv("CHROMA_DATABASE", "")
	cfg, err := ResolveConfigFromEnv()
	if err != nil {
		t.Fatalf("ResolveConfigFromEnv: %v", err)
	}
	if cfg.Tenant != "default_tenant" || cfg.Database != "default_database" {
		t.Fatalf("defaults mismatch: %+v", cfg)
	}
}

func newTestClient(t *testing.T, roundTrip func(*http.Request) (*http.Response, error)) *Client {
	t.Helper()
	var transport http.RoundTripper = http.DefaultTransport
	if roundTrip != nil {
		transport = roundTripFunc(roundTrip)
	}
	c, err := New(newTestLogger(t), Config{URL: "http://chroma.local"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c.WithHTTPClient(&http.Client{Transport: transport})
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	return log
}

func jsonResponse(t *testing.T, status int, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
