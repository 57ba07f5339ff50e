package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/docuquery/answer-gateway/internal/model"
)

const (
	// StreamName is the name of the answers audit stream.
	StreamName = "ANSWERS"

	// SubjectPrefix is the prefix for all answer gateway subjects.
	SubjectPrefix = "answers"

	// publishTimeout bounds each publish so a slow broker never stalls the
	// query pipeline.
	publishTimeout = 2 * time.Second
)

// Notifier publishes message and query lifecycle events to JetStream. It is
// the external-listener integration point: delivery is best effort and
// failures are logged, never propagated into the query pipeline.
type Notifier struct {
	client *Client
}

// NewNotifier creates a new notifier.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// EnsureStream ensures the answers stream exists with proper configuration.
func (n *Notifier) EnsureStream(ctx context.Context) error {
	js := n.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Message creations and query lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a created message.
func MessageSubject(tenantID, conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, tenantID, conversationID, role)
}

// QuerySubject returns the subject for a query lifecycle event.
func QuerySubject(tenantID, conversationID string, event model.QueryEventType) string {
	return fmt.Sprintf("%s.%s.%s.query.%s", SubjectPrefix, tenantID, conversationID, event)
}

// MessageCreated publishes a message-created notification.
func (n *Notifier) MessageCreated(ctx context.Context, msg *model.Message) {
	n.publish(ctx, MessageSubject(msg.TenantID, msg.ConversationID, msg.Role), msg)
}

// QueryCompleted publishes a query completion event.
func (n *Notifier) QueryCompleted(ctx context.Context, tenantID, conversationID, messageID string) {
	n.publishQueryEvent(ctx, tenantID, conversationID, messageID, model.QueryEventCompleted, "")
}

// QueryFailed publishes a query failure event.
func (n *Notifier) QueryFailed(ctx context.Context, tenantID, conversationID, messageID, reason string) {
	n.publishQueryEvent(ctx, tenantID, conversationID, messageID, model.QueryEventFailed, reason)
}

// QueryCancelled publishes a query cancellation event.
func (n *Notifier) QueryCancelled(ctx context.Context, tenantID, conversationID, messageID string) {
	n.publishQueryEvent(ctx, tenantID, conversationID, messageID, model.QueryEventCancelled, "")
}

func (n *Notifier) publishQueryEvent(ctx context.Context, tenantID, conversationID, messageID string, eventType model.QueryEventType, reason string) {
	event := model.QueryEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		MessageID:      messageID,
		TenantID:       tenantID,
		Type:           eventType,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
	n.publish(ctx, QuerySubject(tenantID, conversationID, eventType), event)
}

func (n *Notifier) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.client.logger.Error("failed to marshal notification",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := n.client.JetStream().Publish(pubCtx, subject, data); err != nil {
		n.client.logger.Warn("failed to publish notification",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
