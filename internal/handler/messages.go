package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docuquery/answer-gateway/internal/middleware"
	"github.com/docuquery/answer-gateway/internal/model"
	"github.com/docuquery/answer-gateway/internal/service"
	"github.com/docuquery/answer-gateway/internal/store"
	"github.com/docuquery/answer-gateway/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	submitService       *service.SubmitService
	conversationService *service.ConversationService
	messageStore        *store.MessageStore
	logger              *logger.Logger
	defaultMode         string
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	submitSvc *service.SubmitService,
	convSvc *service.ConversationService,
	messageStore *store.MessageStore,
	defaultMode string,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		submitService:       submitSvc,
		conversationService: convSvc,
		messageStore:        messageStore,
		logger:              log,
		defaultMode:         defaultMode,
	}
}

// Send handles POST /api/v1/conversations/{id}/messages
// The submission is fire-and-forget: the response carries the created user
// message and assistant placeholder, and the answer streams into the store.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
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

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = h.defaultMode
	}

	resp, err := h.submitService.Submit(ctx, tenantID, conversationID, &req)
	if err != nil {
		if errors.Is(err, service.ErrQueryInFlight) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to submit query")
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
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

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		Messages:     h.messageStore.List(conversationID),
		StreamActive: h.submitService.Active(conversationID),
	})
}

// Regenerate handles POST /api/v1/conversations/{id}/messages/{messageID}/regenerate
// Any in-flight query for the conversation is cancelled and replaced.
func (h *MessageHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.conversationService.Get(ctx, tenantID, conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	resp, err := h.submitService.Regenerate(ctx, tenantID, conversationID, messageID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMessageNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, service.ErrQueryInFlight):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to regenerate")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// Cancel handles POST /api/v1/conversations/{id}/cancel
func (h *MessageHandler) Cancel(w http.ResponseWriter, r *http.Request) {
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

	if !h.submitService.Cancel(conversationID) {
		writeError(w, http.StatusConflict, "no query in flight")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
