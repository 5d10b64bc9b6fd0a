package steps

import (
	"context"
	"errors"

	"github.com/yungbote/kbchat-backend/internal/platform/openai"
)

const (
	DefaultTokenLimit    = 3000
	DefaultTopK          = 5
	DefaultMaxCharacters = 4000

	// Per-document bodies are never cut below this many characters.
	MinDocumentCharacters = 200

	KnowledgeHeader = "Knowledge base context (use it when relevant; cite sources):"

	truncationSuffix = "..."
	unknownSource    = "unknown"
)

var (
	ErrEmptyCompletion       = errors.New("chat completion returned empty content")
	ErrEmptyMessage          = errors.New("message text is empty")
	ErrMissingConversationID = errors.New("conversation id is required")
)

// ChatCompleter is the completion half of the OpenAI client.
type ChatCompleter interface {
	Chat(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error)
}

// Embedder produces one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbedFunc adapts a plain function to Embedder.
type EmbedFunc func(ctx context.Context, inputs []string) ([][]float32, error)

func (f EmbedFunc) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return f(ctx, inputs)
}
