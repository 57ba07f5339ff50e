package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuquery/answer-gateway/internal/merge"
	"github.com/docuquery/answer-gateway/internal/model"
	"github.com/docuquery/answer-gateway/internal/source"
	"github.com/docuquery/answer-gateway/internal/store"
	"github.com/docuquery/answer-gateway/pkg/logger"
)

// fakeStream replays a scripted event sequence.
type fakeStream struct {
	events chan model.StreamEvent
	err    error
	cancel context.CancelFunc
}

func (f *fakeStream) Events() <-chan model.StreamEvent { return f.events }
func (f *fakeStream) Err() error                       { return f.err }
func (f *fakeStream) Close() error                     { f.cancel(); return nil }

// fakeSource yields scripted events for every query. If hold is non-nil the
// stream stays open after the script until hold is closed or the query
// context is cancelled.
type fakeSource struct {
	script       []model.StreamEvent
	transportErr error
	queryErr     error
	hold         chan struct{}

	mu       sync.Mutex
	requests []source.QueryRequest
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Requests() []source.QueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.QueryRequest(nil), f.requests...)
}

func (f *fakeSource) Query(ctx context.Context, req source.QueryRequest) (source.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	streamCtx, cancel := context.WithCancel(ctx)
	fs := &fakeStream{
		events: make(chan model.StreamEvent, len(f.script)+1),
		err:    f.transportErr,
		cancel: cancel,
	}

	go func() {
		defer close(fs.events)
		for _, ev := range f.script {
			select {
			case fs.events <- ev:
			case <-streamCtx.Done():
				return
			}
		}
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-streamCtx.Done():
			}
		}
	}()

	return fs, nil
}

// fakeNotifier records lifecycle notifications.
type fakeNotifier struct {
	mu        sync.Mutex
	created   []string
	completed []string
	failed    []string
	cancelled []string
}

func (n *fakeNotifier) MessageCreated(_ context.Context, msg *model.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, msg.ID)
}

func (n *fakeNotifier) QueryCompleted(_ context.Context, _, _, messageID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, messageID)
}

func (n *fakeNotifier) QueryFailed(_ context.Context, _, _, messageID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, messageID)
}

func (n *fakeNotifier) QueryCancelled(_ context.Context, _, _, messageID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, messageID)
}

func (n *fakeNotifier) counts() (created, completed, failed, cancelled int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.created), len(n.completed), len(n.failed), len(n.cancelled)
}

func newSubmitService(t *testing.T, src source.Client, notifier Notifier) (*SubmitService, *store.MessageStore) {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	st := store.New()
	return NewSubmitService(st, src, notifier, log), st
}

func waitIdle(t *testing.T, svc *SubmitService, conversationID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !svc.Active(conversationID)
	}, 2*time.Second, 5*time.Millisecond, "single-flight guard was not released")
}

func assistantMessage(t *testing.T, st *store.MessageStore, conversationID, id string) model.Message {
	t.Helper()
	msg, ok := st.Get(conversationID, id)
	require.True(t, ok)
	require.NotNil(t, msg.Answer)
	return msg
}

func TestSubmitFullLifecycle(t *testing.T) {
	score := 0.9
	src := &fakeSource{script: []model.StreamEvent{
		{Type: model.EventChunk, Chunk: &model.ResponseChunk{
			Content:         "Paris",
			Type:            model.ResponsePreliminary,
			PathSource:      model.PathSpeculative,
			ConfidenceScore: &score,
		}},
		{Type: model.EventStep, Step: &model.AgentStep{StepID: "s1", Content: "checking sources"}},
		{Type: model.EventChunk, Chunk: &model.ResponseChunk{
			Content: "Paris is the capital of France.",
			Type:    model.ResponseFinal,
			Sources: []model.Source{{ChunkID: "c1"}},
		}},
	}}
	notifier := &fakeNotifier{}
	svc, st := newSubmitService(t, src, notifier)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{
		Content: "capital of France",
		Mode:    "hybrid",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.UserMessage)
	require.NotNil(t, resp.AssistantMessage)

	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, "Paris is the capital of France.", msg.Content)
	assert.Equal(t, "Paris is the capital of France.", msg.Answer.Content)
	assert.Equal(t, "Paris", msg.Answer.PreviousContent)
	assert.False(t, msg.Answer.IsRefining)
	require.Len(t, msg.Answer.Sources, 1)
	assert.Equal(t, "c1", msg.Answer.Sources[0].ChunkID)
	assert.Len(t, msg.Answer.ReasoningSteps, 1)
	require.NotNil(t, msg.StreamEnded)

	list := st.List("conv")
	require.Len(t, list, 2)
	assert.Equal(t, model.RoleUser, list[0].Role)
	assert.Equal(t, model.RoleAssistant, list[1].Role)

	created, completed, failed, cancelled := notifier.counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
	assert.Zero(t, cancelled)

	requests := src.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "capital of France", requests[0].Query)
	assert.Equal(t, "hybrid", requests[0].Mode)
}

func TestSubmitSingleFlight(t *testing.T) {
	hold := make(chan struct{})
	src := &fakeSource{
		script: []model.StreamEvent{
			{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "working", Type: model.ResponsePreliminary}},
		},
		hold: hold,
	}
	svc, _ := newSubmitService(t, src, nil)

	_, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "first"})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "second"})
	assert.ErrorIs(t, err, ErrQueryInFlight)

	// A different conversation is unaffected.
	_, err = svc.Submit(context.Background(), "tenant", "other", &model.SendMessageRequest{Content: "third"})
	require.NoError(t, err)

	close(hold)
	waitIdle(t, svc, "conv")

	// Once released, the conversation accepts submissions again.
	_, err = svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "fourth"})
	require.NoError(t, err)
}

func TestSubmitSemanticError(t *testing.T) {
	src := &fakeSource{script: []model.StreamEvent{
		{Type: model.EventError, Error: &model.ErrorPayload{Message: "timeout"}},
	}}
	notifier := &fakeNotifier{}
	svc, st := newSubmitService(t, src, notifier)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, "Error: timeout", msg.Content)
	assert.False(t, msg.Answer.IsRefining)

	// A semantic error still completes the query normally.
	_, completed, failed, _ := notifier.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
}

func TestSubmitErrorEventIsTerminal(t *testing.T) {
	// The producer misbehaves twice: it emits a chunk after the error and
	// then keeps the stream open.
	hold := make(chan struct{})
	defer close(hold)
	src := &fakeSource{
		script: []model.StreamEvent{
			{Type: model.EventError, Error: &model.ErrorPayload{Message: "timeout"}},
			{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "recovered", Type: model.ResponseFinal}},
		},
		hold: hold,
	}
	notifier := &fakeNotifier{}
	svc, st := newSubmitService(t, src, notifier)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, "Error: timeout", msg.Content, "events after an error must not overwrite it")
	assert.False(t, msg.Answer.IsRefining)
	require.NotNil(t, msg.StreamEnded)

	_, completed, failed, _ := notifier.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
}

func TestSubmitTransportFailureKeepsPartialState(t *testing.T) {
	src := &fakeSource{
		script: []model.StreamEvent{
			{Type: model.EventChunk, Chunk: &model.ResponseChunk{
				Content: "partial",
				Type:    model.ResponsePreliminary,
				Sources: []model.Source{{ChunkID: "c1"}},
			}},
			{Type: model.EventStep, Step: &model.AgentStep{StepID: "s1", Content: "searching"}},
		},
		transportErr: errors.New("connection reset"),
	}
	notifier := &fakeNotifier{}
	svc, st := newSubmitService(t, src, notifier)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, "Error: connection reset", msg.Content)
	assert.Len(t, msg.Answer.Sources, 1, "partially accumulated sources are not lost")
	assert.Len(t, msg.Answer.ReasoningSteps, 1)
	assert.False(t, msg.Answer.IsRefining)

	_, completed, failed, _ := notifier.counts()
	assert.Zero(t, completed)
	assert.Equal(t, 1, failed)
}

func TestSubmitSourceOpenFailure(t *testing.T) {
	src := &fakeSource{queryErr: errors.New("dial tcp: refused")}
	notifier := &fakeNotifier{}
	svc, st := newSubmitService(t, src, notifier)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, "Error: dial tcp: refused", msg.Content)

	_, _, failed, _ := notifier.counts()
	assert.Equal(t, 1, failed)
}

func TestSubmitEmptyStreamGetsFallback(t *testing.T) {
	src := &fakeSource{}
	svc, st := newSubmitService(t, src, nil)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, merge.FallbackContent, msg.Content)
	assert.Empty(t, msg.Answer.Sources)
	assert.Empty(t, msg.Answer.ReasoningSteps)
}

func TestSubmitStepsOnlyStreamGetsFallback(t *testing.T) {
	src := &fakeSource{script: []model.StreamEvent{
		{Type: model.EventStep, Step: &model.AgentStep{StepID: "s1", Content: "plan"}},
		{Type: model.EventStep, Step: &model.AgentStep{StepID: "s2", Content: "search"}},
	}}
	svc, st := newSubmitService(t, src, nil)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, merge.FallbackContent, msg.Content)
	assert.Len(t, msg.Answer.ReasoningSteps, 2)
	assert.False(t, msg.Answer.IsRefining)
}

func TestCancelStopsStreamAndClearsFlag(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	src := &fakeSource{
		script: []model.StreamEvent{
			{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "partial", Type: model.ResponsePreliminary}},
		},
		hold: hold,
	}
	notifier := &fakeNotifier{}
	svc, st := newSubmitService(t, src, notifier)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)

	// Wait for the first snapshot to land before cancelling.
	require.Eventually(t, func() bool {
		msg, ok := st.Get("conv", resp.AssistantMessage.ID)
		return ok && msg.Content == "partial"
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, svc.Cancel("conv"))
	waitIdle(t, svc, "conv")

	msg := assistantMessage(t, st, "conv", resp.AssistantMessage.ID)
	assert.Equal(t, "partial", msg.Content, "cancellation keeps the last published text")
	assert.False(t, msg.Answer.IsRefining, "cancelled query must not stay in a refining state")

	_, completed, failed, cancelled := notifier.counts()
	assert.Zero(t, completed)
	assert.Zero(t, failed)
	assert.Equal(t, 1, cancelled)

	assert.False(t, svc.Cancel("conv"), "cancel with nothing in flight is a no-op")
}

func TestRegenerateReplacesAssistantMessage(t *testing.T) {
	src := &fakeSource{script: []model.StreamEvent{
		{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "answer", Type: model.ResponseFinal}},
	}}
	svc, st := newSubmitService(t, src, nil)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{
		Content: "original question",
		Mode:    "agentic",
	})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	regen, err := svc.Regenerate(context.Background(), "tenant", "conv", resp.AssistantMessage.ID)
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	assert.NotEqual(t, resp.AssistantMessage.ID, regen.AssistantMessage.ID, "regenerated message takes a new id")

	_, ok := st.Get("conv", resp.AssistantMessage.ID)
	assert.False(t, ok, "old assistant entry is removed")

	list := st.List("conv")
	assert.Equal(t, regen.AssistantMessage.ID, list[len(list)-1].ID, "regenerated message is appended at the end")

	requests := src.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "original question", requests[1].Query, "regeneration reuses the original user text")
	assert.Equal(t, "agentic", requests[1].Mode)
}

func TestRegenerateDuringFlightCancelsAndReplaces(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	src := &fakeSource{
		script: []model.StreamEvent{
			{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "draft", Type: model.ResponsePreliminary}},
		},
		hold: hold,
	}
	svc, st := newSubmitService(t, src, nil)

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msg, ok := st.Get("conv", resp.AssistantMessage.ID)
		return ok && msg.Content == "draft"
	}, 2*time.Second, 5*time.Millisecond)

	regen, err := svc.Regenerate(context.Background(), "tenant", "conv", resp.AssistantMessage.ID)
	require.NoError(t, err)
	assert.NotEqual(t, resp.AssistantMessage.ID, regen.AssistantMessage.ID)

	_, ok := st.Get("conv", resp.AssistantMessage.ID)
	assert.False(t, ok)
}

func TestRegenerateUnknownMessage(t *testing.T) {
	svc, _ := newSubmitService(t, &fakeSource{}, nil)

	_, err := svc.Regenerate(context.Background(), "tenant", "conv", "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSubmitPublishesIntermediateStates(t *testing.T) {
	src := &fakeSource{script: []model.StreamEvent{
		{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "one", Type: model.ResponsePreliminary}},
		{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "two", Type: model.ResponseRefinement}},
		{Type: model.EventChunk, Chunk: &model.ResponseChunk{Content: "three", Type: model.ResponseFinal}},
	}}
	svc, st := newSubmitService(t, src, nil)

	watch, cancelWatch := st.Watch("conv")
	defer cancelWatch()

	resp, err := svc.Submit(context.Background(), "tenant", "conv", &model.SendMessageRequest{Content: "q"})
	require.NoError(t, err)
	waitIdle(t, svc, "conv")

	var snapshots []string
	for update := range watch {
		if update.ID != resp.AssistantMessage.ID || update.Answer == nil {
			continue
		}
		snapshots = append(snapshots, update.Answer.Content)
		if update.StreamEnded != nil {
			break
		}
	}

	require.NotEmpty(t, snapshots)
	assert.Equal(t, "three", snapshots[len(snapshots)-1])
	assert.Subset(t, []string{"", "one", "two", "three"}, snapshots)
}
