package qdrant

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

const maxErrorBodyBytes = 1024

// Store adapts a Qdrant server to vectorstore.Store. Point payloads carry the document text
// under Config.DocumentKey; every other payload field is surfaced as metadata.
type Store struct {
	log      *logger.Logger
	cfg      Config
	baseURL  string
	distance string
	http     *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type collectionInfo struct {
	Config struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

func NewStore(log *logger.Logger, cfg Config) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DocumentKey) == "" {
		cfg.DocumentKey = DefaultDocumentKey
	}
	distance := canonicalDistance(cfg.Distance)
	if distance == "" {
		distance = DefaultDistance
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Store{
		log:      log.With("service", "QdrantVectorStore"),
		cfg:      cfg,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		distance: distance,
		http:     &http.Client{Timeout: timeout},
	}
	log.Info(
		"Qdrant vector store selected",
		"provider", "qdrant",
		"url", s.baseURL,
		"vector_dim", cfg.VectorDim,
		"distance", s.distance,
		"document_key", cfg.DocumentKey,
	)
	return s, nil
}

// WithHTTPClient swaps the transport; used by tests.
func (s *Store) WithHTTPClient(hc *http.Client) *Store {
	if s != nil && hc != nil {
		s.http = hc
	}
	return s
}

func (s *Store) Heartbeat(ctx context.Context) error {
	if s == nil {
		return vectorstore.ErrUnavailable
	}
	const op = "heartbeat"

	readyReq, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	s.authorize(readyReq)
	readyResp, err := s.http.Do(readyReq)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	_ = readyResp.Body.Close()
	if readyResp.StatusCode < 200 || readyResp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: readyResp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", readyResp.StatusCode),
		}
	}
	return nil
}

// GetOrCreateCollection resolves the named collection. A missing collection is created only
// when VectorDim is configured; otherwise the not-found error is returned.
func (s *Store) GetOrCreateCollection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	if s == nil {
		return nil, vectorstore.ErrUnavailable
	}
	const op = "get_or_create_collection"
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, opErr(op, OperationErrorValidation, "collection name is required", nil)
	}

	var info collectionInfo
	err := s.doJSON(ctx, op, http.MethodGet, collectionPath(name, ""), nil, &info)
	if err != nil {
		var typed *OperationError
		if !errors.As(err, &typed) || typed.Code != OperationErrorNotFound || s.cfg.VectorDim <= 0 {
			return nil, err
		}
		req := map[string]any{
			"vectors": map[string]any{
				"size":     s.cfg.VectorDim,
				"distance": s.distance,
			},
		}
		if err := s.doJSON(ctx, op, http.MethodPut, collectionPath(name, ""), req, nil); err != nil {
			return nil, err
		}
		s.log.Info("qdrant collection created", "collection", name, "vector_dim", s.cfg.VectorDim, "distance", s.distance)
		return &collection{store: s, name: name, distance: s.distance, vectorDim: s.cfg.VectorDim}, nil
	}

	size := info.Config.Params.Vectors.Size
	if s.cfg.VectorDim > 0 && size != 0 && size != s.cfg.VectorDim {
		return nil, &OperationError{
			Code:      OperationErrorValidation,
			Operation: op,
			Message: fmt.Sprintf(
				"qdrant collection %q vector size mismatch: expected=%d actual=%d",
				name,
				s.cfg.VectorDim,
				size,
			),
		}
	}
	distance := canonicalDistance(info.Config.Params.Vectors.Distance)
	if distance == "" {
		distance = s.distance
	}
	return &collection{store: s, name: name, distance: distance, vectorDim: size}, nil
}

type collection struct {
	store     *Store
	name      string
	distance  string
	vectorDim int
}

func (c *collection) Name() string { return c.name }

// Query runs one search per embedding. Scores are converted to distances so that lower
// always means closer, matching the other backends.
func (c *collection) Query(ctx context.Context, req vectorstore.QueryRequest) (*vectorstore.QueryResult, error) {
	const op = "query"
	if len(req.QueryEmbeddings) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query embeddings required", nil)
	}
	limit := req.NResults
	if limit <= 0 {
		limit = 10
	}

	out := &vectorstore.QueryResult{
		IDs:       make([][]string, 0, len(req.QueryEmbeddings)),
		Documents: make([][]*string, 0, len(req.QueryEmbeddings)),
		Metadatas: make([][]map[string]any, 0, len(req.QueryEmbeddings)),
		Distances: make([][]*float64, 0, len(req.QueryEmbeddings)),
	}
	for i, q := range req.QueryEmbeddings {
		if len(q) == 0 {
			return nil, opErr(op, OperationErrorValidation, fmt.Sprintf("query embedding %d is empty", i), nil)
		}
		if c.vectorDim > 0 && len(q) != c.vectorDim {
			return nil, opErr(
				op,
				OperationErrorValidation,
				fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", c.vectorDim, len(q)),
				nil,
			)
		}
		body := map[string]any{
			"vector":       q,
			"limit":        limit,
			"with_payload": true,
			"with_vector":  false,
		}
		var items []qdrantSearchResultItem
		if err := c.store.doJSON(ctx, op, http.MethodPost, collectionPath(c.name, "/points/search"), body, &items); err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(items))
		docs := make([]*string, 0, len(items))
		metas := make([]map[string]any, 0, len(items))
		dists := make([]*float64, 0, len(items))
		for _, item := range items {
			doc, meta := splitPayload(item.Payload, c.store.cfg.DocumentKey)
			dist := scoreToDistance(c.distance, item.Score)
			ids = append(ids, decodePointID(item.ID))
			docs = append(docs, doc)
			metas = append(metas, meta)
			dists = append(dists, &dist)
		}
		out.IDs = append(out.IDs, ids)
		out.Documents = append(out.Documents, docs)
		out.Metadatas = append(out.Metadatas, metas)
		out.Distances = append(out.Distances, dists)
	}
	return out, nil
}

func (s *Store) authorize(req *http.Request) {
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *Store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode == http.StatusNotFound {
		return &OperationError{
			Code:       OperationErrorNotFound,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant resource not found body=%q", truncateBody(raw)),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
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

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func collectionPath(name, suffix string) string {
	return "/collections/" + url.PathEscape(name) + suffix
}

// splitPayload pulls the document text out of a point payload. The returned metadata is a copy.
func splitPayload(payload map[string]any, documentKey string) (*string, map[string]any) {
	if len(payload) == 0 {
		return nil, nil
	}
	var doc *string
	meta := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == documentKey {
			if text, ok := v.(string); ok {
				doc = &text
			}
			continue
		}
		meta[k] = v
	}
	if len(meta) == 0 {
		meta = nil
	}
	return doc, meta
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}

// scoreToDistance maps a Qdrant similarity score onto a distance where lower is closer.
func scoreToDistance(distance string, score float64) float64 {
	switch distance {
	case "Cosine":
		return 1 - score
	case "Dot":
		return -score
	default:
		// Euclid and Manhattan already report distances.
		return score
	}
}
