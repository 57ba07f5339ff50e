package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a conversation message. Assistant messages carry the
// progressively merged AnswerState; Content mirrors Answer.Content so clients
// that only render text need no special casing.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`

	// Content
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Query parameters (user messages)
	Mode string `json:"mode,omitempty"`

	// Progressive answer state (assistant messages)
	Answer *AnswerState `json:"answer,omitempty"`

	// Timestamps
	CreatedAt     time.Time  `json:"created_at"`
	StreamStarted *time.Time `json:"stream_started,omitempty"`
	StreamEnded   *time.Time `json:"stream_ended,omitempty"`
}

// SendMessageRequest is the request to submit a new query.
type SendMessageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

// SendMessageResponse is returned once the user message and assistant
// placeholder have been created; completion is observed via the store.
type SendMessageResponse struct {
	UserMessage      *Message `json:"user_message"`
	AssistantMessage *Message `json:"assistant_message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	StreamActive bool      `json:"stream_active"`
}
