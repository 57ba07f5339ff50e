package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docuquery/answer-gateway/internal/merge"
	"github.com/docuquery/answer-gateway/internal/model"
	"github.com/docuquery/answer-gateway/internal/source"
	"github.com/docuquery/answer-gateway/internal/store"
	"github.com/docuquery/answer-gateway/pkg/logger"
	"github.com/docuquery/answer-gateway/pkg/metrics"
)

var (
	// ErrQueryInFlight is returned when a conversation already has an active
	// query. Submissions are single-flight per conversation: a second submit
	// is rejected, not queued.
	ErrQueryInFlight = errors.New("a query is already in flight for this conversation")

	// ErrMessageNotFound is returned when a regeneration target does not
	// exist.
	ErrMessageNotFound = errors.New("message not found")
)

// SubmitService drives one query lifecycle per conversation: it creates the
// user message and assistant placeholder, streams events from the source
// through the merge engine, publishes every intermediate state to the store,
// and finalizes the answer on stream end, failure, or cancellation.
type SubmitService struct {
	store    *store.MessageStore
	source   source.Client
	notifier Notifier
	logger   *logger.Logger

	mu       sync.Mutex
	inflight map[string]*inflightQuery
}

// inflightQuery tracks the single active query for a conversation.
type inflightQuery struct {
	tenantID    string
	assistantID string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewSubmitService creates a new submission service.
func NewSubmitService(st *store.MessageStore, src source.Client, notifier Notifier, log *logger.Logger) *SubmitService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &SubmitService{
		store:    st,
		source:   src,
		notifier: notifier,
		logger:   log,
		inflight: make(map[string]*inflightQuery),
	}
}

// Submit creates the user message and assistant placeholder for the query and
// starts streaming in the background. Completion is observed via the store.
func (s *SubmitService) Submit(ctx context.Context, tenantID, conversationID string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	now := time.Now()

	userMsg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		TenantID:       tenantID,
		Role:           model.RoleUser,
		Content:        req.Content,
		Mode:           req.Mode,
		CreatedAt:      now,
	}

	placeholder := merge.NewState()
	assistantMsg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		TenantID:       tenantID,
		Role:           model.RoleAssistant,
		Answer:         &placeholder,
		CreatedAt:      now,
		StreamStarted:  &now,
	}

	// The query outlives the submit call; cancellation is driven by Cancel
	// and Regenerate, not by the caller's request context.
	queryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	q := &inflightQuery{
		tenantID:    tenantID,
		assistantID: assistantMsg.ID,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	if _, busy := s.inflight[conversationID]; busy {
		s.mu.Unlock()
		cancel()
		return nil, ErrQueryInFlight
	}
	s.inflight[conversationID] = q
	s.mu.Unlock()

	s.store.Append(conversationID, userMsg, assistantMsg)
	s.notifier.MessageCreated(ctx, &userMsg)
	s.notifier.MessageCreated(ctx, &assistantMsg)

	metrics.QueriesTotal.WithLabelValues(tenantID, req.Mode).Inc()
	metrics.ActiveQueries.Inc()

	go s.run(queryCtx, conversationID, q, source.QueryRequest{
		Query: req.Content,
		Mode:  req.Mode,
	})

	return &model.SendMessageResponse{
		UserMessage:      &userMsg,
		AssistantMessage: &assistantMsg,
	}, nil
}

// run consumes the event stream to completion. It is the only writer of the
// assistant entry for the duration of the query.
func (s *SubmitService) run(ctx context.Context, conversationID string, q *inflightQuery, req source.QueryRequest) {
	start := time.Now()
	defer close(q.done)
	defer s.release(conversationID, q)
	defer metrics.ActiveQueries.Dec()

	state := merge.NewState()

	stream, err := s.source.Query(ctx, req)
	if err != nil {
		s.finish(ctx, conversationID, q, s.failState(state, err), start, err)
		return
	}
	defer stream.Close()

	for ev := range stream.Events() {
		if ctx.Err() != nil {
			break
		}

		state = merge.Fold(state, ev)
		s.publish(conversationID, q, state, nil)
		metrics.StreamEventsTotal.WithLabelValues(string(ev.Type)).Inc()

		// An error event is terminal: stop consuming so nothing a producer
		// emits afterwards can overwrite the reported failure.
		if ev.Type == model.EventError {
			break
		}
	}

	if ctx.Err() != nil {
		s.finalizeCancelled(conversationID, q)
		metrics.QueryDuration.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
		return
	}

	if err := stream.Err(); err != nil {
		s.finish(ctx, conversationID, q, s.failState(state, err), start, err)
		return
	}

	s.finish(ctx, conversationID, q, state, start, nil)
}

// failState folds a transport failure into the answer text. Sources and steps
// accumulated before the failure are kept.
func (s *SubmitService) failState(state model.AnswerState, err error) model.AnswerState {
	state.Content = "Error: " + err.Error()
	return state
}

// finish finalizes and publishes the terminal answer state, then emits
// exactly one lifecycle notification.
func (s *SubmitService) finish(ctx context.Context, conversationID string, q *inflightQuery, state model.AnswerState, start time.Time, transportErr error) {
	ended := time.Now()
	state = merge.Finalize(state)
	s.publish(conversationID, q, state, &ended)

	if transportErr != nil {
		s.logger.Error("query stream failed",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", q.assistantID),
			zap.Error(transportErr),
		)
		s.notifier.QueryFailed(ctx, q.tenantID, conversationID, q.assistantID, transportErr.Error())
		metrics.QueryDuration.WithLabelValues("failed").Observe(ended.Sub(start).Seconds())
		return
	}

	s.logger.Info("query completed",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", q.assistantID),
		zap.Duration("elapsed", ended.Sub(start)),
		zap.Int("sources", len(state.Sources)),
		zap.Int("reasoning_steps", len(state.ReasoningSteps)),
	)
	s.notifier.QueryCompleted(ctx, q.tenantID, conversationID, q.assistantID)
	metrics.QueryDuration.WithLabelValues("completed").Observe(ended.Sub(start).Seconds())
}

// finalizeCancelled stops stream-driven publication and clears the refining
// flag on whatever state was last published, so the UI is never left with a
// stuck in-progress indicator.
func (s *SubmitService) finalizeCancelled(conversationID string, q *inflightQuery) {
	msg, ok := s.store.Get(conversationID, q.assistantID)
	if !ok {
		// Regeneration removed the entry; nothing left to finalize.
		return
	}

	ended := time.Now()
	var state model.AnswerState
	if msg.Answer != nil {
		state = *msg.Answer
	} else {
		state = merge.NewState()
	}
	state = merge.Finalize(state)
	s.publish(conversationID, q, state, &ended)

	s.logger.Info("query cancelled",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", q.assistantID),
	)
	s.notifier.QueryCancelled(context.Background(), q.tenantID, conversationID, q.assistantID)
}

// publish writes the current answer state onto the assistant entry. Every
// folded event produces an observable store update.
func (s *SubmitService) publish(conversationID string, q *inflightQuery, state model.AnswerState, ended *time.Time) {
	msg, ok := s.store.Get(conversationID, q.assistantID)
	if !ok {
		return
	}

	answer := state
	msg.Answer = &answer
	msg.Content = state.Content
	msg.StreamEnded = ended
	s.store.Upsert(conversationID, msg)
}

// release clears the single-flight guard. It runs in every terminal path:
// success, semantic error, transport failure, and cancellation.
func (s *SubmitService) release(conversationID string, q *inflightQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.inflight[conversationID]; ok && current == q {
		delete(s.inflight, conversationID)
	}
}

// Active reports whether a query is currently in flight for the conversation.
func (s *SubmitService) Active(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inflight[conversationID]
	return busy
}

// Cancel requests cooperative cancellation of the in-flight query, if any,
// and returns whether one was active. It does not wait for teardown.
func (s *SubmitService) Cancel(conversationID string) bool {
	s.mu.Lock()
	q, busy := s.inflight[conversationID]
	s.mu.Unlock()

	if !busy {
		return false
	}
	q.cancel()
	return true
}

// cancelAndWait cancels any in-flight query and blocks until its goroutine
// has released the single-flight guard.
func (s *SubmitService) cancelAndWait(conversationID string) {
	s.mu.Lock()
	q, busy := s.inflight[conversationID]
	s.mu.Unlock()

	if !busy {
		return
	}
	q.cancel()
	<-q.done
}

// Regenerate re-runs the query behind an existing assistant message:
// cancel-and-replace. Any in-flight query for the conversation is cancelled
// first, the old assistant entry is removed, and the original user text is
// resubmitted. The regenerated message takes a new id appended at the end of
// the list; history order is never spliced.
func (s *SubmitService) Regenerate(ctx context.Context, tenantID, conversationID, assistantMessageID string) (*model.SendMessageResponse, error) {
	target, ok := s.store.Get(conversationID, assistantMessageID)
	if !ok || target.Role != model.RoleAssistant || target.TenantID != tenantID {
		return nil, ErrMessageNotFound
	}

	userMsg, ok := s.originatingUserMessage(conversationID, assistantMessageID)
	if !ok {
		return nil, ErrMessageNotFound
	}

	s.cancelAndWait(conversationID)
	s.store.Remove(conversationID, assistantMessageID)

	return s.Submit(ctx, tenantID, conversationID, &model.SendMessageRequest{
		Content: userMsg.Content,
		Mode:    userMsg.Mode,
	})
}

// originatingUserMessage finds the user message immediately preceding the
// assistant entry in list order.
func (s *SubmitService) originatingUserMessage(conversationID, assistantMessageID string) (model.Message, bool) {
	msgs := s.store.List(conversationID)
	for i, msg := range msgs {
		if msg.ID != assistantMessageID {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if msgs[j].Role == model.RoleUser {
				return msgs[j], true
			}
		}
		return model.Message{}, false
	}
	return model.Message{}, false
}
