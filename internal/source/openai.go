package source

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/docuquery/answer-gateway/internal/model"
)

// OpenAIClient adapts OpenAI chat-completion streaming into the answer event
// protocol. Deltas are accumulated into full snapshots, since downstream
// consumers treat chunk content as the entire answer so far. Used for
// direct-LLM modes where no document retrieval is involved.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a new OpenAI-backed event source.
func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if model == "" {
		model = "gpt-4o"
	}

	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Query opens an answer stream for the request.
func (c *OpenAIClient) Query(ctx context.Context, req QueryRequest) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	completion, err := c.client.CreateChatCompletionStream(streamCtx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Query},
		},
		Stream: true,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	stream := newEventStream(cancel)
	go c.readStream(streamCtx, completion, stream)

	return stream, nil
}

func (c *OpenAIClient) readStream(ctx context.Context, completion *openai.ChatCompletionStream, stream *eventStream) {
	defer close(stream.events)
	defer completion.Close()

	start := time.Now()
	var content string

	for {
		response, err := completion.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				stream.fail(err)
			}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		content += delta
		// Interim snapshots carry the phase on the envelope.
		ok := stream.send(ctx, model.StreamEvent{
			Type:  model.EventRefinement,
			Chunk: &model.ResponseChunk{Content: content},
		})
		if !ok {
			return
		}
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
