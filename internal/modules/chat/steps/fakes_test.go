package steps

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yungbote/kbchat-backend/internal/platform/openai"
	"github.com/yungbote/kbchat-backend/internal/platform/vectorstore"
)

type fakeStore struct {
	calls     int32
	resolveFn func(call int32) (vectorstore.Collection, error)
	heartbeat error
}

func (s *fakeStore) GetOrCreateCollection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	call := atomic.AddInt32(&s.calls, 1)
	return s.resolveFn(call)
}

func (s *fakeStore) Heartbeat(ctx context.Context) error { return s.heartbeat }

type fakeCollection struct {
	mu      sync.Mutex
	result  *vectorstore.QueryResult
	err     error
	queries []vectorstore.QueryRequest
}

func (c *fakeCollection) Name() string { return "kb" }

func (c *fakeCollection) Query(ctx context.Context, req vectorstore.QueryRequest) (*vectorstore.QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, req)
	return c.result, c.err
}

func staticStore(col vectorstore.Collection) *fakeStore {
	return &fakeStore{resolveFn: func(int32) (vectorstore.Collection, error) { return col, nil }}
}

var unitEmbedder = EmbedFunc(func(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
})

type fakeCompleter struct {
	mu       sync.Mutex
	requests []openai.ChatRequest
	reply    func(req openai.ChatRequest) (*openai.ChatResponse, error)
}

func (f *fakeCompleter) Chat(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeCompleter) last() openai.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func textReply(content string, totalTokens int) func(openai.ChatRequest) (*openai.ChatResponse, error) {
	return func(openai.ChatRequest) (*openai.ChatResponse, error) {
		c := content
		resp := &openai.ChatResponse{
			ID:      "cmpl-test",
			Choices: []openai.ChatChoice{{Message: openai.ChatResponseMessage{Role: "assistant", Content: &c}}},
		}
		if totalTokens > 0 {
			resp.Usage = &openai.Usage{TotalTokens: totalTokens}
		}
		return resp, nil
	}
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func queryResult(docs []*string, metas []map[string]any, dists []*float64) *vectorstore.QueryResult {
	ids := make([]string, len(docs))
	return &vectorstore.QueryResult{
		IDs:       [][]string{ids},
		Documents: [][]*string{docs},
		Metadatas: [][]map[string]any{metas},
		Distances: [][]*float64{dists},
	}
}
