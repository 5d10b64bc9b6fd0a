package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	types "github.com/yungbote/kbchat-backend/internal/domain"
	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/openai"
)

type RespondDeps struct {
	Log *logger.Logger
	AI  ChatCompleter

	History   *HistoryStore
	Knowledge *KnowledgeRetriever
	Locks     *ConversationLocks

	// Model overrides the client's default chat model when set.
	Model string
}

type RespondInput struct {
	ConversationID types.ConversationID
	Message        string
}

type RespondOutput = types.ReplyResult

// Respond runs one conversational turn: record the user message, retrieve knowledge,
// assemble a budgeted request, call the model, and record the normalized reply.
func Respond(ctx context.Context, deps RespondDeps, in RespondInput) (RespondOutput, error) {
	out := RespondOutput{}
	if deps.Log == nil || deps.AI == nil || deps.History == nil || deps.Locks == nil {
		return out, fmt.Errorf("chat respond: missing deps")
	}
	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return out, ErrMissingConversationID
	}
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return out, ErrEmptyMessage
	}
	log := deps.Log.With("conversation_id", id)

	unlock, err := deps.Locks.Lock(ctx, id)
	if err != nil {
		return out, fmt.Errorf("chat respond: wait for conversation: %w", err)
	}
	defer unlock()

	ctx, span := observability.Tracer().Start(ctx, "chat.generate_reply")
	defer span.End()
	start := time.Now()

	// Retrieval only depends on the query, so it overlaps with the history bookkeeping.
	var knowledge *types.KnowledgeContext
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		knowledge = deps.Knowledge.BuildKnowledgeContext(gctx, id, text)
		return nil
	})

	deps.History.AddMessage(id, types.UserMessage(text))
	storedTrimmed := deps.History.TrimConversation(id)
	request := deps.History.Snapshot(id)

	_ = g.Wait()

	limit := deps.History.TokenLimit()
	usage := types.TokenUsage{TokenLimit: limit}
	var entries []types.KnowledgeEntry
	knowledgeTokens := 0
	if knowledge != nil {
		entries = knowledge.Entries
		usage.KnowledgeEntries = len(entries)
		request = spliceBeforeLast(request, knowledge.Message)
		knowledgeTokens = deps.History.CountTokens([]types.Message{knowledge.Message})
		usage.KnowledgeApplied = true
		if total := deps.History.CountTokens(request); total > limit {
			request = removeAt(request, len(request)-2)
			usage.KnowledgeApplied = false
			usage.KnowledgeDropReason = types.KnowledgeDropTokenLimit
			knowledgeTokens = 0
			log.Warn("Knowledge context dropped",
				"reason", types.KnowledgeDropTokenLimit,
				"request_tokens", total,
				"token_limit", limit,
			)
		}
	}

	requestTrimmed := deps.History.TrimContext(&request)
	usage.HistoryTrimmed = storedTrimmed || requestTrimmed

	usage.RequestTokens = deps.History.CountTokens(request)
	usage.KnowledgeTokens = knowledgeTokens
	if n := len(request); n > 1 && request[n-1].Role == types.RoleUser {
		usage.UserTokens = deps.History.CountTokens(request[n-1:])
	}
	usage.ConversationTokens = max(0, usage.RequestTokens-usage.KnowledgeTokens-usage.UserTokens)

	log.Info("Chat request tokens",
		"request_tokens", usage.RequestTokens,
		"knowledge_tokens", usage.KnowledgeTokens,
		"user_tokens", usage.UserTokens,
		"conversation_tokens", usage.ConversationTokens,
		"token_limit", limit,
		"knowledge_applied", usage.KnowledgeApplied,
		"knowledge_entries", usage.KnowledgeEntries,
		"history_trimmed", usage.HistoryTrimmed,
	)
	span.SetAttributes(
		attribute.Int("chat.request_tokens", usage.RequestTokens),
		attribute.Int("chat.knowledge_tokens", usage.KnowledgeTokens),
		attribute.Int("chat.user_tokens", usage.UserTokens),
		attribute.Bool("chat.knowledge_applied", usage.KnowledgeApplied),
		attribute.Bool("chat.history_trimmed", usage.HistoryTrimmed),
	)

	resp, err := deps.AI.Chat(ctx, openai.ChatRequest{
		Model:    deps.Model,
		Messages: toChatMessages(request),
	})
	if err != nil {
		log.Error("Chat completion failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		observability.Current().ObserveReply("completion_error", time.Since(start), usage)
		return out, fmt.Errorf("chat completion: %w", err)
	}

	content := resp.FirstContent()
	if strings.TrimSpace(content) == "" {
		log.Error("Chat completion empty", "response_id", resp.ID)
		span.SetStatus(codes.Error, "empty completion")
		observability.Current().ObserveReply("empty_completion", time.Since(start), usage)
		return out, ErrEmptyCompletion
	}
	if resp.Usage != nil {
		usage.CompletionTokens = resp.Usage.TotalTokens
	}

	reply := NormalizeAssistantReply(content, entries)
	deps.History.AddMessage(id, types.AssistantMessage(reply))
	deps.History.TrimConversation(id)

	span.SetAttributes(attribute.Int("chat.completion_tokens", usage.CompletionTokens))
	observability.Current().ObserveReply("ok", time.Since(start), usage)
	observability.Current().SetConversations(deps.History.Conversations())

	out.Response = reply
	out.Tokens = usage
	return out, nil
}

// spliceBeforeLast inserts msg ahead of the final element, or appends when empty.
func spliceBeforeLast(msgs []types.Message, msg types.Message) []types.Message {
	if len(msgs) == 0 {
		return []types.Message{msg}
	}
	out := make([]types.Message, 0, len(msgs)+1)
	out = append(out, msgs[:len(msgs)-1]...)
	out = append(out, msg)
	out = append(out, msgs[len(msgs)-1])
	return out
}

func removeAt(msgs []types.Message, i int) []types.Message {
	if i < 0 || i >= len(msgs) {
		return msgs
	}
	return append(msgs[:i], msgs[i+1:]...)
}

func toChatMessages(msgs []types.Message) []openai.ChatMessage {
	out := make([]openai.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatMessage{Role: string(m.Role), Content: m.Content}
		if len(m.Parts) > 0 {
			cm.Parts = make([]openai.ContentPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				cm.Parts = append(cm.Parts, openai.ContentPart{Type: p.Type, Text: p.Text, ImageURL: p.ImageURL})
			}
		}
		out = append(out, cm)
	}
	return out
}

// Reset clears a conversation once any in-flight turn for it has finished.
func Reset(ctx context.Context, history *HistoryStore, locks *ConversationLocks, id types.ConversationID) error {
	if history == nil || locks == nil {
		return fmt.Errorf("chat reset: missing deps")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrMissingConversationID
	}
	unlock, err := locks.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("chat reset: wait for conversation: %w", err)
	}
	defer unlock()
	history.ResetConversation(id)
	observability.Current().SetConversations(history.Conversations())
	return nil
}
