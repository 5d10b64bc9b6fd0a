package domain

import "github.com/yungbote/kbchat-backend/internal/domain/chat"

type (
	ConversationID   = chat.ConversationID
	Role             = chat.Role
	ContentPart      = chat.ContentPart
	Message          = chat.Message
	KnowledgeEntry   = chat.KnowledgeEntry
	KnowledgeContext = chat.KnowledgeContext
	TokenUsage       = chat.TokenUsage
	ReplyResult      = chat.ReplyResult
)

const (
	RoleSystem    = chat.RoleSystem
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant

	PartTypeText     = chat.PartTypeText
	PartTypeImageURL = chat.PartTypeImageURL

	KnowledgeDropTokenLimit = chat.KnowledgeDropTokenLimit
)

var (
	SystemMessage    = chat.SystemMessage
	UserMessage      = chat.UserMessage
	AssistantMessage = chat.AssistantMessage
	CloneMessages    = chat.CloneMessages
)
