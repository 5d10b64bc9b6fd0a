package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/ctxutil"
	"github.com/yungbote/kbchat-backend/internal/platform/envutil"
	"github.com/yungbote/kbchat-backend/internal/platform/httpx"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

const (
	DefaultBaseURL    = "https://api.openai.com"
	DefaultChatModel  = "gpt-4o-mini"
	DefaultEmbedModel = "text-embedding-3-small"

	chatCompletionsPath = "/v1/chat/completions"
	embeddingsPath      = "/v1/embeddings"
	maxErrorBodyBytes   = 2048
)

type Config struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		APIKey:     envutil.String("OPENAI_API_KEY", ""),
		BaseURL:    envutil.String("OPENAI_BASE_URL", DefaultBaseURL),
		ChatModel:  envutil.String("OPENAI_MODEL", DefaultChatModel),
		EmbedModel: envutil.String("OPENAI_EMBED_MODEL", DefaultEmbedModel),
		Timeout:    envutil.Seconds("OPENAI_TIMEOUT_SECONDS", 120*time.Second),
		MaxRetries: envutil.Int("OPENAI_MAX_RETRIES", 0),
	}
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("missing OPENAI_API_KEY")
	}
	return cfg, nil
}

// Client is a minimal OpenAI-compatible HTTP client covering chat completions and embeddings.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	maxRetries int
	http       *http.Client
}

func New(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	chatModel := strings.TrimSpace(cfg.ChatModel)
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	embedModel := strings.TrimSpace(cfg.EmbedModel)
	if embedModel == "" {
		embedModel = DefaultEmbedModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		chatModel:  chatModel,
		embedModel: embedModel,
		maxRetries: maxRetries,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

// WithHTTPClient swaps the transport; used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if c != nil && hc != nil {
		c.http = hc
	}
	return c
}

func (c *Client) ChatModel() string  { return c.chatModel }
func (c *Client) EmbedModel() string { return c.embedModel }

// HTTPError is a non-2xx response from the API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// -------------------- Chat completions --------------------

// ContentPart is one element of multi-part message content.
type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
}

type ChatMessage struct {
	Role    string
	Content string
	// Parts, when set, is sent instead of Content.
	Parts []ContentPart
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if len(m.Parts) == 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}
	type imageURL struct {
		URL string `json:"url"`
	}
	type wirePart struct {
		Type     string    `json:"type"`
		Text     *string   `json:"text,omitempty"`
		ImageURL *imageURL `json:"image_url,omitempty"`
	}
	parts := make([]wirePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		wp := wirePart{Type: p.Type}
		if p.ImageURL != "" {
			wp.ImageURL = &imageURL{URL: p.ImageURL}
		} else {
			text := p.Text
			wp.Text = &text
		}
		parts = append(parts, wp)
	}
	return json.Marshal(struct {
		Role    string     `json:"role"`
		Content []wirePart `json:"content"`
	}{m.Role, parts})
}

type ChatRequest struct {
	// Model defaults to the client's chat model when empty.
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int                 `json:"index"`
	Message      ChatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type ChatResponseMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FirstContent returns choices[0].message.content, or "" when absent.
func (r *ChatResponse) FirstContent() string {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message.Content == nil {
		return ""
	}
	return *r.Choices[0].Message.Content
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c == nil {
		return nil, fmt.Errorf("openai client not initialized")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("openai chat: messages required")
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = c.chatModel
	}
	var resp ChatResponse
	usage := func() (int, int) {
		if resp.Usage == nil {
			return 0, 0
		}
		return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	if err := c.do(ctx, req.Model, chatCompletionsPath, req, &resp, usage); err != nil {
		return nil, err
	}
	return &resp, nil
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage *Usage `json:"usage,omitempty"`
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if c == nil {
		return nil, fmt.Errorf("openai client not initialized")
	}
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	req := embeddingsRequest{Model: c.embedModel, Input: clean}
	var resp embeddingsResponse
	usage := func() (int, int) {
		if resp.Usage == nil {
			return 0, 0
		}
		return resp.Usage.PromptTokens, 0
	}
	if err := c.do(ctx, c.embedModel, embeddingsPath, req, &resp, usage); err != nil {
		return nil, err
	}

	out := make([][]float32, len(clean))
	for pos, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			// Some compatible servers omit the index; fall back to response order.
			idx = pos
		}
		if idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[idx] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("openai embeddings missing index %d: requested=%d returned=%d model=%s", i, len(clean), len(resp.Data), c.embedModel)
		}
	}
	return out, nil
}

// -------------------- transport --------------------

func (c *Client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, fmt.Errorf("openai encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: truncateBody(raw)}
	}
	return resp, raw, nil
}

func (c *Client) do(ctx context.Context, model, path string, body any, out any, usage func() (int, int)) error {
	ctx = ctxutil.Default(ctx)
	start := time.Now()
	var (
		lastResp *http.Response
		raw      []byte
	)
	observe := func(attempt int, sleep time.Duration, err error) {
		c.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt,
			"max_retries", c.maxRetries,
			"sleep", sleep.String(),
			"error", err.Error(),
		)
	}
	err := httpx.Retry(ctx, c.maxRetries, observe, func() (*http.Response, error) {
		resp, b, err := c.doOnce(ctx, path, body)
		lastResp, raw = resp, b
		return resp, err
	})
	if err != nil {
		observability.Current().ObserveLLMRequest(model, path, statusFromRespErr(lastResp, err), time.Since(start), 0, 0)
		return err
	}
	if uErr := json.Unmarshal(raw, out); uErr != nil {
		observability.Current().ObserveLLMRequest(model, path, "decode_error", time.Since(start), 0, 0)
		return fmt.Errorf("openai decode error: %w; raw=%s", uErr, truncateBody(raw))
	}
	in, outTokens := usage()
	observability.Current().ObserveLLMRequest(model, path, statusFromRespErr(lastResp, nil), time.Since(start), in, outTokens)
	return nil
}

func statusFromRespErr(resp *http.Response, err error) string {
	if resp != nil {
		return strconv.Itoa(resp.StatusCode)
	}
	var httpErr *HTTPError
	if err != nil && errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if err != nil {
		return "error"
	}
	return "unknown"
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
