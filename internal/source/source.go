// Package source provides event source clients for answer streams. A source
// yields an ordered, finite sequence of stream events for one submitted query
// and supports cooperative cancellation through the passed context or Close.
package source

import (
	"context"
	"sync"

	"github.com/docuquery/answer-gateway/internal/model"
)

// streamBuffer is the default channel capacity between the reader goroutine
// and the consumer.
const streamBuffer = 100

// QueryRequest describes one submitted query.
type QueryRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
}

// Stream is one in-flight answer stream. Events is closed when the stream
// ends; Err reports a transport-level failure afterwards. Semantic errors
// travel as regular error events on the channel instead.
type Stream interface {
	Events() <-chan model.StreamEvent
	Err() error
	Close() error
}

// Client is the interface for answer stream producers.
type Client interface {
	// Query opens a stream of events for the given request. The returned
	// stream stops producing when ctx is cancelled or Close is called.
	Query(ctx context.Context, req QueryRequest) (Stream, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of stream provider.
type Provider string

const (
	ProviderAgent     Provider = "agent"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// eventStream is the channel-backed Stream shared by all clients.
type eventStream struct {
	events chan model.StreamEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newEventStream(cancel context.CancelFunc) *eventStream {
	return &eventStream{
		events: make(chan model.StreamEvent, streamBuffer),
		cancel: cancel,
	}
}

func (s *eventStream) Events() <-chan model.StreamEvent {
	return s.events
}

func (s *eventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}

// fail records the first transport failure.
func (s *eventStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// send delivers an event unless the stream has been cancelled.
func (s *eventStream) send(ctx context.Context, ev model.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
