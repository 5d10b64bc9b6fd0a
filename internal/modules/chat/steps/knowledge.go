package steps

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	types "github.com/yungbote/kbchat-backend/internal/domain"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

type KnowledgeConfig struct {
	Collection         string
	CollectionMetadata map[string]any
	TopK               int
	MaxCharacters      int
}

// KnowledgeRetriever turns a user query into a system message built from the nearest
// documents of one vector-store collection. Every failure degrades to "no knowledge".
type KnowledgeRetriever struct {
	log   *logger.Logger
	store vectorstore.Store
	embed Embedder
	cfg   KnowledgeConfig

	mu    sync.Mutex
	col   vectorstore.Collection
	group singleflight.Group
}

func NewKnowledgeRetriever(log *logger.Logger, store vectorstore.Store, embed Embedder, cfg KnowledgeConfig) (*KnowledgeRetriever, error) {
	if log == nil {
		return nil, fmt.Errorf("knowledge retriever: logger required")
	}
	if store != nil && embed == nil {
		return nil, fmt.Errorf("knowledge retriever: embedder required")
	}
	cfg.Collection = strings.TrimSpace(cfg.Collection)
	if store != nil && cfg.Collection == "" {
		return nil, fmt.Errorf("knowledge retriever: collection name required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxCharacters <= 0 {
		cfg.MaxCharacters = DefaultMaxCharacters
	}
	return &KnowledgeRetriever{
		log:   log.With("service", "KnowledgeRetriever"),
		store: store,
		embed: embed,
		cfg:   cfg,
	}, nil
}

// Enabled is false when no vector store is configured.
func (r *KnowledgeRetriever) Enabled() bool {
	return r != nil && r.store != nil
}

// Heartbeat probes the backing vector store.
func (r *KnowledgeRetriever) Heartbeat(ctx context.Context) error {
	if !r.Enabled() {
		return vectorstore.ErrUnavailable
	}
	return r.store.Heartbeat(ctx)
}

// collection resolves the collection once. Concurrent callers share a single attempt;
// a failed attempt is not cached, so the next call tries again.
func (r *KnowledgeRetriever) collection(ctx context.Context) (vectorstore.Collection, error) {
	r.mu.Lock()
	col := r.col
	r.mu.Unlock()
	if col != nil {
		return col, nil
	}

	v, err, _ := r.group.Do(r.cfg.Collection, func() (any, error) {
		r.mu.Lock()
		cached := r.col
		r.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		// Waiters share this attempt, so it must not die with the first caller's context.
		resolved, err := r.store.GetOrCreateCollection(context.WithoutCancel(ctx), vectorstore.CollectionSpec{
			Name:     r.cfg.Collection,
			Metadata: r.cfg.CollectionMetadata,
		})
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			return nil, fmt.Errorf("collection %q: %w", r.cfg.Collection, vectorstore.ErrUnavailable)
		}
		r.mu.Lock()
		r.col = resolved
		r.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(vectorstore.Collection), nil
}

// BuildKnowledgeContext returns nil when the store is disabled, any step fails, or no
// usable document comes back.
func (r *KnowledgeRetriever) BuildKnowledgeContext(ctx context.Context, conversationID types.ConversationID, query string) *types.KnowledgeContext {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}

	col, err := r.collection(ctx)
	if err != nil {
		r.log.Warn("Knowledge collection unavailable",
			"collection", r.cfg.Collection,
			"conversation_id", conversationID,
			"error", err,
		)
		return nil
	}

	vectors, err := r.embed.Embed(ctx, []string{query})
	if err != nil {
		r.log.Warn("Knowledge query embedding failed",
			"conversation_id", conversationID,
			"error", err,
		)
		return nil
	}
	if len(vectors) == 0 {
		r.log.Warn("Knowledge query embedding empty", "conversation_id", conversationID)
		return nil
	}

	res, err := col.Query(ctx, vectorstore.QueryRequest{
		QueryEmbeddings: vectors[:1],
		NResults:        r.cfg.TopK,
		Include: []string{
			vectorstore.IncludeDocuments,
			vectorstore.IncludeMetadatas,
			vectorstore.IncludeDistances,
		},
	})
	if err != nil {
		r.log.Error("Knowledge query failed",
			"collection", col.Name(),
			"conversation_id", conversationID,
			"error", err,
		)
		return nil
	}

	kc := formatKnowledge(res.Row(0), r.cfg.TopK, r.cfg.MaxCharacters)
	if kc == nil {
		r.log.Debug("Knowledge query returned no documents", "conversation_id", conversationID)
		return nil
	}
	r.log.Debug("Knowledge context built",
		"conversation_id", conversationID,
		"entries", len(kc.Entries),
	)
	return kc
}

func formatKnowledge(hits []vectorstore.Hit, topK, maxCharacters int) *types.KnowledgeContext {
	if topK <= 0 {
		topK = DefaultTopK
	}
	perDoc := maxCharacters / topK
	if perDoc < MinDocumentCharacters {
		perDoc = MinDocumentCharacters
	}

	var (
		blocks  []string
		entries []types.KnowledgeEntry
	)
	for i, hit := range hits {
		if hit.Document == nil {
			continue
		}
		body := strings.TrimSpace(*hit.Document)
		if body == "" {
			continue
		}
		title := metadataString(hit.Metadata, "title")
		if title == "" {
			title = fmt.Sprintf("snippet-%d", i+1)
		}
		source := metadataString(hit.Metadata, "source")
		if source == "" {
			source = unknownSource
		}

		var b strings.Builder
		fmt.Fprintf(&b, "[%d] %s\n", len(blocks)+1, title)
		fmt.Fprintf(&b, "Source: %s\n", source)
		if hit.Distance != nil {
			fmt.Fprintf(&b, "Distance: %.4f\n", *hit.Distance)
		}
		b.WriteString(truncateRunes(body, perDoc))
		blocks = append(blocks, b.String())

		src := source
		entries = append(entries, types.KnowledgeEntry{Title: title, Source: &src})
	}
	if len(blocks) == 0 {
		return nil
	}
	content := KnowledgeHeader + "\n" + strings.Join(blocks, "\n\n")
	return &types.KnowledgeContext{
		Message: types.SystemMessage(content),
		Entries: entries,
	}
}

func metadataString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, ok := meta[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:limit]), " \t\r\n") + truncationSuffix
}

// ValidateEmbeddings rejects the whole batch if any vector is missing, empty or non-finite.
func ValidateEmbeddings(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("embedding count mismatch: want=%d got=%d", want, len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		for j, f := range vec {
			v := float64(f)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("embedding %d has non-finite value at %d", i, j)
			}
		}
	}
	return nil
}

// ValidatedEmbedder wraps next so malformed embeddings surface as errors.
func ValidatedEmbedder(next Embedder) Embedder {
	return EmbedFunc(func(ctx context.Context, inputs []string) ([][]float32, error) {
		vectors, err := next.Embed(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if err := ValidateEmbeddings(vectors, len(inputs)); err != nil {
			return nil, fmt.Errorf("invalid embeddings: %w", err)
		}
		return vectors, nil
	})
}
