package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/docuquery/answer-gateway/internal/middleware"
	"github.com/docuquery/answer-gateway/internal/service"
	"github.com/docuquery/answer-gateway/internal/store"
	"github.com/docuquery/answer-gateway/pkg/logger"
	"github.com/docuquery/answer-gateway/pkg/metrics"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	conversationService *service.ConversationService
	messageStore        *store.MessageStore
	logger              *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	convSvc *service.ConversationService,
	messageStore *store.MessageStore,
	log *logger.Logger,
) *StreamHandler {
	return &StreamHandler{
		conversationService: convSvc,
		messageStore:        messageStore,
		logger:              log,
	}
}

// ReplayCompleteEvent marks the end of the initial message replay.
type ReplayCompleteEvent struct {
	MessageCount int `json:"message_count"`
}

// HeartbeatEvent keeps the connection alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /api/v1/conversations/{id}/stream
// Replays the current message list, then pushes every published answer
// snapshot as it lands in the store.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.conversationService.Get(ctx, tenantID, conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// Subscribe before replaying so no update published during the replay
	// is missed.
	updates, cancel := h.messageStore.Watch(conversationID)
	defer cancel()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	msgs := h.messageStore.List(conversationID)
	for _, msg := range msgs {
		sendSSEEvent(w, flusher, "message", msg)
	}
	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		MessageCount: len(msgs),
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected",
				zap.String("conversation_id", conversationID),
			)
			return

		case msg, open := <-updates:
			if !open {
				// Conversation was cleared.
				return
			}
			sendSSEEvent(w, flusher, "update", msg)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
