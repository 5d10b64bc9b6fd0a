package steps

import (
	"strings"
	"sync"

	types "github.com/yungbote/kbchat-backend/internal/domain"
	"github.com/yungbote/kbchat-backend/internal/platform/tokenizer"
)

// Conversation is one conversation's ordered history. Messages[0] is always the system prompt.
type Conversation struct {
	Messages []types.Message
}

type HistoryConfig struct {
	SystemPrompt string
	TokenLimit   int
	Encoder      tokenizer.Encoder
}

// HistoryStore keeps every conversation in memory for the lifetime of the process.
type HistoryStore struct {
	mu            sync.RWMutex
	conversations map[types.ConversationID]*Conversation

	systemPrompt string
	tokenLimit   int
	enc          tokenizer.Encoder
}

func NewHistoryStore(cfg HistoryConfig) *HistoryStore {
	limit := cfg.TokenLimit
	if limit <= 0 {
		limit = DefaultTokenLimit
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = tokenizer.Approx
	}
	return &HistoryStore{
		conversations: map[types.ConversationID]*Conversation{},
		systemPrompt:  cfg.SystemPrompt,
		tokenLimit:    limit,
		enc:           enc,
	}
}

func (s *HistoryStore) TokenLimit() int      { return s.tokenLimit }
func (s *HistoryStore) SystemPrompt() string { return s.systemPrompt }

// GetMessages returns the live conversation, creating it seeded with the system prompt.
// Callers must not mutate it outside the store's own methods.
func (s *HistoryStore) GetMessages(id types.ConversationID) *Conversation {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()
	if ok {
		return conv
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

func (s *HistoryStore) getOrCreateLocked(id types.ConversationID) *Conversation {
	if conv, ok := s.conversations[id]; ok {
		return conv
	}
	conv := s.fresh()
	s.conversations[id] = conv
	return conv
}

func (s *HistoryStore) fresh() *Conversation {
	return &Conversation{Messages: []types.Message{types.SystemMessage(s.systemPrompt)}}
}

func (s *HistoryStore) AddMessage(id types.ConversationID, msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getOrCreateLocked(id)
	conv.Messages = append(conv.Messages, msg)
}

// ResetConversation replaces the conversation with one holding only the system prompt.
func (s *HistoryStore) ResetConversation(id types.ConversationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = s.fresh()
}

// Snapshot returns a deep copy of the conversation, creating it if absent.
func (s *HistoryStore) Snapshot(id types.ConversationID) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneMessages(s.getOrCreateLocked(id).Messages)
}

// TrimConversation applies TrimContext to the stored conversation.
func (s *HistoryStore) TrimConversation(id types.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getOrCreateLocked(id)
	return s.TrimContext(&conv.Messages)
}

func (s *HistoryStore) Conversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// CountTokens sums encoded lengths. Multi-part messages count their text parts only.
func (s *HistoryStore) CountTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		for _, seg := range m.TextSegments() {
			if seg == "" {
				continue
			}
			total += len(s.enc.Encode(seg))
		}
	}
	return total
}

// TrimContext evicts the oldest non-system message until the total fits the token limit
// or only the system prompt remains. It reports whether anything was evicted.
func (s *HistoryStore) TrimContext(messages *[]types.Message) bool {
	if messages == nil {
		return false
	}
	msgs := *messages
	if len(msgs) <= 1 {
		return false
	}
	counts := make([]int, len(msgs))
	total := 0
	for i := range msgs {
		counts[i] = s.CountTokens(msgs[i : i+1])
		total += counts[i]
	}
	drop := 0
	for total > s.tokenLimit && len(msgs)-drop > 1 {
		total -= counts[1+drop]
		drop++
	}
	if drop == 0 {
		return false
	}
	copy(msgs[1:], msgs[1+drop:])
	for i := len(msgs) - drop; i < len(msgs); i++ {
		msgs[i] = types.Message{}
	}
	*messages = msgs[:len(msgs)-drop]
	return true
}

// IsResetCommand reports whether text asks to start the conversation over.
func IsResetCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "reset", "/reset":
		return true
	}
	return false
}
