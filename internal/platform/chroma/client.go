package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yungbote/kbchat-backend/internal/platform/ctxutil"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

const (
	maxErrorBodyBytes    = 1024
	maxResponseBodyBytes = 8 << 20
)

// Client talks to a Chroma server over its v2 REST API.
type Client struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type collectionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]*string        `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]*float64       `json:"distances"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func New(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Tenant) == "" {
		cfg.Tenant = "default_tenant"
	}
	if strings.TrimSpace(cfg.Database) == "" {
		cfg.Database = "default_database"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		log:     log.With("service", "ChromaClient"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	log.Info(
		"Chroma vector store selected",
		"provider", "chroma",
		"url", c.baseURL,
		"tenant", cfg.Tenant,
		"database", cfg.Database,
	)
	return c, nil
}

// WithHTTPClient swaps the transport; used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if c != nil && hc != nil {
		c.http = hc
	}
	return c
}

func (c *Client) Heartbeat(ctx context.Context) error {
	if c == nil {
		return vectorstore.ErrUnavailable
	}
	return c.doJSON(ctx, "heartbeat", http.MethodGet, "/api/v2/heartbeat", nil, nil)
}

func (c *Client) GetOrCreateCollection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	if c == nil {
		return nil, vectorstore.ErrUnavailable
	}
	const op = "get_or_create_collection"
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, opErr(op, OperationErrorValidation, "collection name is required", nil)
	}
	req := map[string]any{
		"name":          name,
		"get_or_create": true,
	}
	if len(spec.Metadata) > 0 {
		req["metadata"] = spec.Metadata
	}
	var out collectionResponse
	if err := c.doJSON(ctx, op, http.MethodPost, c.databasePath("/collections"), req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, opErr(op, OperationErrorDecodeFailed, "collection response missing id", nil)
	}
	if out.Name == "" {
		out.Name = name
	}
	c.log.Debug("chroma collection resolved", "collection", out.Name, "collection_id", out.ID)
	return &collection{client: c, id: out.ID, name: out.Name}, nil
}

type collection struct {
	client *Client
	id     string
	name   string
}

func (col *collection) Name() string { return col.name }

func (col *collection) Query(ctx context.Context, req vectorstore.QueryRequest) (*vectorstore.QueryResult, error) {
	const op = "query"
	if len(req.QueryEmbeddings) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query embeddings required", nil)
	}
	for i, emb := range req.QueryEmbeddings {
		if len(emb) == 0 {
			return nil, opErr(op, OperationErrorValidation, fmt.Sprintf("query embedding %d is empty", i), nil)
		}
	}
	n := req.NResults
	if n <= 0 {
		n = 10
	}
	include := req.Include
	if len(include) == 0 {
		include = []string{vectorstore.IncludeDocuments, vectorstore.IncludeMetadatas, vectorstore.IncludeDistances}
	}
	body := map[string]any{
		"query_embeddings": req.QueryEmbeddings,
		"n_results":        n,
		"include":          include,
	}
	var out queryResponse
	path := col.client.databasePath("/collections/" + url.PathEscape(col.id) + "/query")
	if err := col.client.doJSON(ctx, op, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &vectorstore.QueryResult{
		IDs:       out.IDs,
		Documents: out.Documents,
		Metadatas: out.Metadatas,
		Distances: out.Distances,
	}, nil
}

func (c *Client) databasePath(suffix string) string {
	return "/api/v2/tenants/" + url.PathEscape(c.cfg.Tenant) + "/databases/" + url.PathEscape(c.cfg.Database) + suffix
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "chroma request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorRequestFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    describeErrorBody(resp.StatusCode, raw),
		}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode chroma response failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func describeErrorBody(status int, raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil {
		msg := strings.TrimSpace(er.Message)
		if msg == "" {
			msg = strings.TrimSpace(er.Error)
		}
		if msg != "" {
			return fmt.Sprintf("chroma http status=%d: %s", status, msg)
		}
	}
	return fmt.Sprintf("chroma http status=%d body=%q", status, truncateBody(raw))
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
