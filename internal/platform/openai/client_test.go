package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

func TestChatRequestShapeAndResponse(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, 0, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != chatCompletionsPath {
			t.Fatalf("path: want=%q got=%q", chatCompletionsPath, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("auth header: got=%q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"id": "cmpl-1",
			"choices": []any{
				map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "Hello there"}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}), nil
	})

	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Parts: []ContentPart{{Type: "text", Text: "look"}, {Type: "image_url", ImageURL: "https://x.test/a.png"}}},
	}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.FirstContent() != "Hello there" {
		t.Fatalf("content: want=%q got=%q", "Hello there", resp.FirstContent())
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage mismatch: %+v", resp.Usage)
	}
	if captured["model"] != DefaultChatModel {
		t.Fatalf("model: want=%q got=%v", DefaultChatModel, captured["model"])
	}
	msgs, ok := captured["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages: got=%v", captured["messages"])
	}
	first := msgs[0].(map[string]any)
	if first["content"] != "be brief" {
		t.Fatalf("plain content: got=%v", first["content"])
	}
	parts, ok := msgs[1].(map[string]any)["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("multipart content: got=%v", msgs[1])
	}
	img := parts[1].(map[string]any)["image_url"].(map[string]any)
	if img["url"] != "https://x.test/a.png" {
		t.Fatalf("image url: got=%v", img)
	}
}

func TestFirstContentMissing(t *testing.T) {
	var resp *ChatResponse
	if resp.FirstContent() != "" {
		t.Fatalf("nil response must have empty content")
	}
	resp = &ChatResponse{Choices: []ChatChoice{{Message: ChatResponseMessage{Role: "assistant"}}}}
	if resp.FirstContent() != "" {
		t.Fatalf("null content must be empty")
	}
}

func TestChatHTTPErrorNotRetriedByDefault(t *testing.T) {
	var calls int32
	c := newTestClient(t, 0, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(t, http.StatusInternalServerError, map[string]any{"error": map[string]any{"message": "boom"}}), nil
	})

	_, err := c.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got=%T %v", err, err)
	}
	if httpErr.HTTPStatusCode() != http.StatusInternalServerError {
		t.Fatalf("status: want=500 got=%d", httpErr.HTTPStatusCode())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls: want=1 got=%d", got)
	}
}

func TestChatNonRetryableStatusStopsImmediately(t *testing.T) {
	var calls int32
	c := newTestClient(t, 3, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(t, http.StatusBadRequest, map[string]any{"error": "bad"}), nil
	})
	if _, err := c.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls: want=1 got=%d", got)
	}
}

func TestChatRequiresMessages(t *testing.T) {
	c := newTestClient(t, 0, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request")
		return nil, nil
	})
	if _, err := c.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatalf("expected error for empty messages")
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	var captured embeddingsRequest
	c := newTestClient(t, 0, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != embeddingsPath {
			t.Fatalf("path: want=%q got=%q", embeddingsPath, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []any{
				map[string]any{"index": 1, "embedding": []float64{0, 1}},
				map[string]any{"index": 0, "embedding": []float64{1, 0}},
			},
		}), nil
	})

	out, err := c.Embed(context.Background(), []string{"first", "  "})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if captured.Model != DefaultEmbedModel {
		t.Fatalf("model: want=%q got=%q", DefaultEmbedModel, captured.Model)
	}
	if captured.Input[1] != " " {
		t.Fatalf("blank input should be replaced with a space, got=%q", captured.Input[1])
	}
	if len(out) != 2 || out[0][0] != 1 || out[1][1] != 1 {
		t.Fatalf("embedding order mismatch: %v", out)
	}
}

func TestEmbedMissingVectorFails(t *testing.T) {
	c := newTestClient(t, 0, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []any{map[string]any{"index": 0, "embedding": []float64{1}}},
		}), nil
	})
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "missing index 1") {
		t.Fatalf("expected missing index error, got=%v", err)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	c := newTestClient(t, 0, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request")
		return nil, nil
	})
	out, err := c.Embed(context.Background(), nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("Embed(nil): want empty got=%v err=%v", out, err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error without api key")
	}
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("OPENAI_MAX_RETRIES", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.MaxRetries != 0 {
		t.Fatalf("MaxRetries default: want=0 got=%d", cfg.MaxRetries)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Fatalf("BaseURL default: want=%q got=%q", DefaultBaseURL, cfg.BaseURL)
	}
}

func newTestClient(t *testing.T, maxRetries int, roundTrip func(*http.Request) (*http.Response, error)) *Client {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	c, err := New(log, Config{APIKey: "test-key", BaseURL: "http://openai.local", MaxRetries: maxRetries})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c.WithHTTPClient(&http.Client{Transport: roundTripFunc(roundTrip)})
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
