package app

import (
	"context"
	"time"

	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

type instrumentedVectorStore struct {
	provider string
	inner    vectorstore.Store
	metrics  *observability.Metrics
}

func instrumentVectorStore(provider string, inner vectorstore.Store) vectorstore.Store {
	if inner == nil {
		return nil
	}
	return &instrumentedVectorStore{
		provider: provider,
		inner:    inner,
		metrics:  observability.Current(),
	}
}

func (s *instrumentedVectorStore) GetOrCreateCollection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	start := time.Now()
	col, err := s.inner.GetOrCreateCollection(ctx, spec)
	s.observe("get_or_create_collection", err, time.Since(start))
	if err != nil || col == nil {
		return col, err
	}
	return &instrumentedCollection{store: s, inner: col}, nil
}

func (s *instrumentedVectorStore) Heartbeat(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Heartbeat(ctx)
	s.observe("heartbeat", err, time.Since(start))
	return err
}

func (s *instrumentedVectorStore) observe(operation string, err error, dur time.Duration) {
	if s == nil || s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveVectorStore(s.provider, operation, status, dur)
}

type instrumentedCollection struct {
	store *instrumentedVectorStore
	inner vectorstore.Collection
}

func (c *instrumentedCollection) Name() string { return c.inner.Name() }

func (c *instrumentedCollection) Query(ctx context.Context, req vectorstore.QueryRequest) (*vectorstore.QueryResult, error) {
	start := time.Now()
	out, err := c.inner.Query(ctx, req)
	c.store.observe("query", err, time.Since(start))
	return out, err
}
