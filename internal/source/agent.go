package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/docuquery/answer-gateway/internal/model"
	"github.com/docuquery/answer-gateway/pkg/logger"
)

// maxLineBytes bounds a single NDJSON line from the agent backend.
const maxLineBytes = 1 << 20

// dialTimeout bounds connection establishment to the agent backend.
const dialTimeout = 10 * time.Second

// AgentClient streams answer events from the document-agent backend, which
// emits newline-delimited JSON envelopes over HTTP.
type AgentClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewAgentClient creates a client for the agent backend. The timeout bounds
// the wait for response headers only; answer streams run as long as the agent
// keeps producing, so the body read carries no deadline of its own.
func NewAgentClient(baseURL string, timeout time.Duration, log *logger.Logger) (*AgentClient, error) {
	if baseURL == "" {
		return nil, errors.New("agent base URL is required")
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
	}

	return &AgentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
		},
		logger: log,
	}, nil
}

// Name returns the provider name.
func (c *AgentClient) Name() string {
	return "agent"
}

// Query opens an answer stream for the request.
func (c *AgentClient) Query(ctx context.Context, req QueryRequest) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	url := fmt.Sprintf("%s/api/v1/answers/stream", c.baseURL)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		errorBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("agent request failed with status %d", resp.StatusCode)
		}

		var errorResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(errorBody, &errorResp) == nil && errorResp.Error != "" {
			return nil, fmt.Errorf("agent request failed with status %d: %s", resp.StatusCode, errorResp.Error)
		}
		return nil, fmt.Errorf("agent request failed with status %d: %s", resp.StatusCode, string(errorBody))
	}

	stream := newEventStream(cancel)
	go c.readStream(streamCtx, resp.Body, stream)

	return stream, nil
}

// readStream decodes NDJSON envelopes off the response body. Malformed lines
// are skipped so a single bad frame never kills the stream.
func (c *AgentClient) readStream(ctx context.Context, body io.ReadCloser, stream *eventStream) {
	defer close(stream.events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev model.StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}

		if !stream.send(ctx, ev) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		stream.fail(fmt.Errorf("stream read failed: %w", err))
	}
}
