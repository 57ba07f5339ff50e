package model

import (
	"time"
)

// QueryEventType represents the outcome of a query lifecycle.
type QueryEventType string

const (
	QueryEventCompleted QueryEventType = "completed"
	QueryEventFailed    QueryEventType = "failed"
	QueryEventCancelled QueryEventType = "cancelled"
)

// QueryEvent records a query lifecycle transition for external listeners.
type QueryEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	TenantID       string         `json:"tenant_id"`
	Type           QueryEventType `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
