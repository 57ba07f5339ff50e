package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuquery/answer-gateway/internal/model"
	"github.com/docuquery/answer-gateway/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	return log
}

func collect(t *testing.T, stream Stream) []model.StreamEvent {
	t.Helper()
	var events []model.StreamEvent
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	return events
}

func TestAgentClientDecodesEventStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/answers/stream", r.URL.Path)

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"chunk","data":{"content":"Paris","type":"preliminary","confidence_score":0.4}}`)
		fmt.Fprintln(w, `{"type":"step","data":{"step_id":"s1","type":"search","content":"checking sources"}}`)
		fmt.Fprintln(w, `not json at all`)
		fmt.Fprintln(w, `{"type":"telemetry","data":{"cpu":1}}`)
		fmt.Fprintln(w, `{"type":"final","data":{"content":"Paris is the capital of France.","type":"final","sources":[{"chunk_id":"c1"}]}}`)
		fmt.Fprintln(w, `{"type":"done","data":{"processing_time":0.8,"status":"completed"}}`)
	}))
	defer server.Close()

	client, err := NewAgentClient(server.URL, 5*time.Second, testLogger(t))
	require.NoError(t, err)

	stream, err := client.Query(context.Background(), QueryRequest{Query: "capital of France", Mode: "hybrid"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, events, 5, "malformed line is skipped, unknown type is preserved")

	assert.Equal(t, model.EventChunk, events[0].Type)
	require.NotNil(t, events[0].Chunk)
	assert.Equal(t, "Paris", events[0].Chunk.Content)
	assert.Equal(t, model.ResponsePreliminary, events[0].Chunk.Type)
	require.NotNil(t, events[0].Chunk.ConfidenceScore)
	assert.Equal(t, 0.4, *events[0].Chunk.ConfidenceScore)

	assert.Equal(t, model.EventStep, events[1].Type)
	require.NotNil(t, events[1].Step)
	assert.Equal(t, "checking sources", events[1].Step.Content)

	assert.Equal(t, model.EventType("telemetry"), events[2].Type)
	assert.Nil(t, events[2].Chunk)

	assert.Equal(t, model.EventFinal, events[3].Type)
	require.NotNil(t, events[3].Chunk)
	require.Len(t, events[3].Chunk.Sources, 1)
	assert.Equal(t, "c1", events[3].Chunk.Sources[0].ChunkID)

	assert.Equal(t, model.EventDone, events[4].Type)
	require.NotNil(t, events[4].Done)
	require.NotNil(t, events[4].Done.ProcessingTime)
	assert.Equal(t, 0.8, *events[4].Done.ProcessingTime)
}

func TestAgentClientTimeoutDoesNotCutStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"chunk","data":{"content":"first","type":"preliminary"}}`)
		flusher.Flush()
		// Pause well past the configured timeout mid-stream.
		time.Sleep(150 * time.Millisecond)
		fmt.Fprintln(w, `{"type":"final","data":{"content":"second","type":"final"}}`)
	}))
	defer server.Close()

	client, err := NewAgentClient(server.URL, 50*time.Millisecond, testLogger(t))
	require.NoError(t, err)

	stream, err := client.Query(context.Background(), QueryRequest{Query: "q"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.NoError(t, stream.Err(), "gaps between events are not a transport failure")
	require.Len(t, events, 2)
	require.NotNil(t, events[1].Chunk)
	assert.Equal(t, "second", events[1].Chunk.Content)
}

func TestAgentClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"agent backend unavailable"}`)
	}))
	defer server.Close()

	client, err := NewAgentClient(server.URL, 5*time.Second, testLogger(t))
	require.NoError(t, err)

	_, err = client.Query(context.Background(), QueryRequest{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent backend unavailable")
}

func TestAgentClientCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"chunk","data":{"content":"partial"}}`)
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewAgentClient(server.URL, 0, testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.Query(ctx, QueryRequest{Query: "q"})
	require.NoError(t, err)

	first := <-stream.Events()
	require.NotNil(t, first.Chunk)
	assert.Equal(t, "partial", first.Chunk.Content)

	cancel()

	// The channel closes promptly once the producer observes cancellation.
	select {
	case _, open := <-stream.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func TestAgentClientRequiresBaseURL(t *testing.T) {
	_, err := NewAgentClient("", time.Second, testLogger(t))
	require.Error(t, err)
}
