package chat

// KnowledgeEntry is one retrieved document's title/source pair.
type KnowledgeEntry struct {
	Title  string  `json:"title"`
	Source *string `json:"source"`
}

// KnowledgeContext is built fresh for each request and never stored in a conversation.
type KnowledgeContext struct {
	Message Message          `json:"message"`
	Entries []KnowledgeEntry `json:"entries"`
}

const KnowledgeDropTokenLimit = "token_limit"

// TokenUsage is the per-turn token accounting payload.
type TokenUsage struct {
	RequestTokens       int    `json:"request_tokens"`
	KnowledgeTokens     int    `json:"knowledge_tokens"`
	UserTokens          int    `json:"user_tokens"`
	ConversationTokens  int    `json:"conversation_tokens"`
	CompletionTokens    int    `json:"completion_total_tokens,omitempty"`
	TokenLimit          int    `json:"token_limit"`
	KnowledgeApplied    bool   `json:"knowledge_applied"`
	KnowledgeDropReason string `json:"knowledge_drop_reason,omitempty"`
	KnowledgeEntries    int    `json:"knowledge_entries"`
	HistoryTrimmed      bool   `json:"history_trimmed"`
}

type ReplyResult struct {
	Response string     `json:"response"`
	Tokens   TokenUsage `json:"tokens"`
}
