package models

import "time"

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message in a session's conversation.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn stamps a turn with the current time.
func NewTurn(role Role, content string) ConversationTurn {
	return ConversationTurn{Role: role, Content: content, Timestamp: time.Now().UTC()}
}
