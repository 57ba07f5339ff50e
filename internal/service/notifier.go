package service

import (
	"context"

	"github.com/docuquery/answer-gateway/internal/model"
)

// Notifier receives query lifecycle notifications for integration with
// external listeners (audit stream, autosave, webhooks). Implementations must
// not block the query pipeline; delivery is best effort.
type Notifier interface {
	// MessageCreated fires once per created user message and assistant
	// placeholder.
	MessageCreated(ctx context.Context, msg *model.Message)

	// QueryCompleted fires when a query reached its terminal state with a
	// published answer, including answers that carry a semantic error.
	QueryCompleted(ctx context.Context, tenantID, conversationID, messageID string)

	// QueryFailed fires on transport-level failure.
	QueryFailed(ctx context.Context, tenantID, conversationID, messageID, reason string)

	// QueryCancelled fires when the caller abandoned the query.
	QueryCancelled(ctx context.Context, tenantID, conversationID, messageID string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) MessageCreated(context.Context, *model.Message) {}

func (NopNotifier) QueryCompleted(context.Context, string, string, string) {}

func (NopNotifier) QueryFailed(context.Context, string, string, string, string) {}

func (NopNotifier) QueryCancelled(context.Context, string, string, string) {}
