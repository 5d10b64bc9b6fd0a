package app

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

func TestInstrumentVectorStorePassThrough(t *testing.T) {
	inner := &fakeInstrumentedInner{}
	vs := instrumentVectorStore("chroma", inner)
	if vs == nil {
		t.Fatalf("instrumentVectorStore: expected non-nil wrapper")
	}

	if err := vs.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	col, err := vs.GetOrCreateCollection(context.Background(), vectorstore.CollectionSpec{Name: "kb"})
	if err != nil {
		t.Fatalf("GetOrCreateCollection: %v", err)
	}
	if col.Name() != "kb" {
		t.Fatalf("collection name: want=%q got=%q", "kb", col.Name())
	}
	res, err := col.Query(context.Background(), vectorstore.QueryRequest{QueryEmbeddings: [][]float32{{1, 2, 3}}, NResults: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Row(0)) != 1 {
		t.Fatalf("query rows: want=1 got=%d", len(res.Row(0)))
	}

	if inner.heartbeatCalls != 1 || inner.collectionCalls != 1 || inner.queryCalls != 1 {
		t.Fatalf(
			"unexpected call counts: heartbeat=%d collection=%d query=%d",
			inner.heartbeatCalls,
			inner.collectionCalls,
			inner.queryCalls,
		)
	}
}

func TestInstrumentVectorStoreErrorPassThrough(t *testing.T) {
	want := errors.New("query failed")
	inner := &fakeInstrumentedInner{queryErr: want}
	vs := instrumentVectorStore("qdrant", inner)

	col, err := vs.GetOrCreateCollection(context.Background(), vectorstore.CollectionSpec{Name: "kb"})
	if err != nil {
		t.Fatalf("GetOrCreateCollection: %v", err)
	}
	_, err = col.Query(context.Background(), vectorstore.QueryRequest{})
	if !errors.Is(err, want) {
		t.Fatalf("Query: expected wrapped error %v, got=%v", want, err)
	}
}

func TestInstrumentVectorStoreNil(t *testing.T) {
	if vs := instrumentVectorStore("chroma", nil); vs != nil {
		t.Fatalf("instrumentVectorStore(nil): expected nil, got=%T", vs)
	}
}

type fakeInstrumentedInner struct {
	heartbeatCalls  int
	collectionCalls int
	queryCalls      int

	queryErr error
}

func (f *fakeInstrumentedInner) Heartbeat(_ context.Context) error {
	f.heartbeatCalls++
	return nil
}

func (f *fakeInstrumentedInner) GetOrCreateCollection(_ context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	f.collectionCalls++
	return &fakeInstrumentedCollection{parent: f, name: spec.Name}, nil
}

type fakeInstrumentedCollection struct {
	parent *fakeInstrumentedInner
	name   string
}

func (c *fakeInstrumentedCollection) Name() string { return c.name }

func (c *fakeInstrumentedCollection) Query(_ context.Context, _ vectorstore.QueryRequest) (*vectorstore.QueryResult, error) {
	c.parent.queryCalls++
	if c.parent.queryErr != nil {
		return nil, c.parent.queryErr
	}
	doc := "doc"
	return &vectorstore.QueryResult{IDs: [][]string{{"v1"}}, Documents: [][]*string{{&doc}}}, nil
}
