package chat

import (
	"context"

	types "github.com/yungbote/kbchat-backend/internal/domain"
	"github.com/yungbote/kbchat-backend/internal/modules/chat/steps"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

type UsecasesDeps struct {
	Log *logger.Logger
	AI  steps.ChatCompleter

	History   *steps.HistoryStore
	Knowledge *steps.KnowledgeRetriever
	Locks     *steps.ConversationLocks

	Model string
}

type Usecases struct {
	deps UsecasesDeps
}

func New(deps UsecasesDeps) Usecases {
	if deps.Locks == nil {
		deps.Locks = steps.NewConversationLocks()
	}
	return Usecases{deps: deps}
}

func (u Usecases) WithLog(log *logger.Logger) Usecases {
	u.deps.Log = log
	return u
}

type (
	RespondInput  = steps.RespondInput
	RespondOutput = steps.RespondOutput
)

// GenerateReply runs one turn for the conversation and returns the reply with its token accounting.
func (u Usecases) GenerateReply(ctx context.Context, id types.ConversationID, message string) (types.ReplyResult, error) {
	return steps.Respond(ctx, steps.RespondDeps{
		Log:       u.deps.Log,
		AI:        u.deps.AI,
		History:   u.deps.History,
		Knowledge: u.deps.Knowledge,
		Locks:     u.deps.Locks,
		Model:     u.deps.Model,
	}, steps.RespondInput{ConversationID: id, Message: message})
}

func (u Usecases) ResetConversation(ctx context.Context, id types.ConversationID) error {
	return steps.Reset(ctx, u.deps.History, u.deps.Locks, id)
}

// GetConversationHistory returns a copy of the stored conversation.
func (u Usecases) GetConversationHistory(id types.ConversationID) []types.Message {
	if u.deps.History == nil {
		return nil
	}
	return u.deps.History.Snapshot(id)
}

// KnowledgeReady probes the vector store behind retrieval.
func (u Usecases) KnowledgeReady(ctx context.Context) error {
	return u.deps.Knowledge.Heartbeat(ctx)
}

func (u Usecases) KnowledgeEnabled() bool {
	return u.deps.Knowledge.Enabled()
}
