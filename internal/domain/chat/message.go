package chat

import "strings"

// ConversationID identifies one conversation; in practice the sender's address.
type ConversationID = string

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

// ContentPart is one element of multi-part message content.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is one conversation turn. When Parts is non-empty it replaces Content.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// TextSegments returns the textual pieces of the message; non-text parts are skipped.
func (m Message) TextSegments() []string {
	if len(m.Parts) == 0 {
		return []string{m.Content}
	}
	out := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if strings.EqualFold(p.Type, PartTypeText) {
			out = append(out, p.Text)
		}
	}
	return out
}

// CloneMessages copies the slice and each message's parts.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if len(m.Parts) > 0 {
			out[i].Parts = append([]ContentPart(nil), m.Parts...)
		}
	}
	return out
}
