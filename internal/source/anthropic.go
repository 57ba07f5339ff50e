package source

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/docuquery/answer-gateway/internal/model"
)

// anthropicMaxTokens caps the completion length for direct-LLM answers.
const anthropicMaxTokens = 4096

// AnthropicClient adapts Anthropic message streaming into the answer event
// protocol, accumulating text deltas into full snapshots.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic-backed event source.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Query opens an answer stream for the request.
func (c *AnthropicClient) Query(ctx context.Context, req QueryRequest) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	events := c.client.Messages.NewStreaming(streamCtx, anthropic.MessageNewParams{
		Model:     anthropic.F(c.model),
		MaxTokens: anthropic.F(int64(anthropicMaxTokens)),
		Messages: anthropic.F([]anthropic.MessageParam{
			{
				Role: anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{
					anthropic.TextBlockParam{
						Type: anthropic.F(anthropic.TextBlockParamTypeText),
						Text: anthropic.F(req.Query),
					},
				}),
			},
		}),
	})

	stream := newEventStream(cancel)
	go c.readStream(streamCtx, events, stream)

	return stream, nil
}

func (c *AnthropicClient) readStream(ctx context.Context, events *ssestream.Stream[anthropic.MessageStreamEvent], stream *eventStream) {
	defer close(stream.events)

	start := time.Now()
	var content string

	for events.Next() {
		event := events.Current()

		if event.Type != anthropic.MessageStreamEventTypeContentBlockDelta {
			continue
		}
		delta, isDelta := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
		if !isDelta || delta.Type != "text_delta" || delta.Text == "" {
			continue
		}

		content += delta.Text
		ok := stream.send(ctx, model.StreamEvent{
			Type:  model.EventRefinement,
			Chunk: &model.ResponseChunk{Content: content},
		})
		if !ok {
			return
		}
	}

	if err := events.Err(); err != nil {
		if ctx.Err() == nil {
			stream.fail(err)
		}
		return
	}

	final := model.StreamEvent{
		Type: model.EventFinal,
		Chunk: &model.ResponseChunk{
			Content: content,
			Type:    model.ResponseFinal,
		},
	}
	if !stream.send(ctx, final) {
		return
	}

	elapsed := time.Since(start).Seconds()
	stream.send(ctx, model.StreamEvent{
		Type: model.EventDone,
		Done: &model.DonePayload{ProcessingTime: &elapsed, Status: "completed"},
	})
}
