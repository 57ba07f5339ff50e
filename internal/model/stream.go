package model

import (
	"encoding/json"
)

// EventType tags a StreamEvent on the wire.
type EventType string

const (
	EventChunk       EventType = "chunk"
	EventPreliminary EventType = "preliminary"
	EventRefinement  EventType = "refinement"
	EventFinal       EventType = "final"
	EventStep        EventType = "step"
	EventResponse    EventType = "response"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// ResponseType describes the phase of a content snapshot.
type ResponseType string

const (
	ResponsePreliminary ResponseType = "preliminary"
	ResponseRefinement  ResponseType = "refinement"
	ResponseFinal       ResponseType = "final"
)

// PathSource describes which backend strategy produced the current answer.
type PathSource string

const (
	PathSpeculative PathSource = "speculative"
	PathAgentic     PathSource = "agentic"
	PathHybrid      PathSource = "hybrid"
)

// StreamEvent is one event from the answer stream. Exactly one payload field
// is set, matching Type; unknown event types decode with all payloads nil.
type StreamEvent struct {
	Type     EventType
	Chunk    *ResponseChunk    // chunk, preliminary, refinement, final
	Step     *AgentStep        // step
	Response *TerminalResponse // response (legacy terminal form)
	Error    *ErrorPayload     // error
	Done     *DonePayload      // done
}

// ResponseChunk carries a full snapshot of the answer so far. Content is the
// entire current answer text, not a delta.
type ResponseChunk struct {
	Content         string       `json:"content"`
	Type            ResponseType `json:"type,omitempty"`
	PathSource      PathSource   `json:"path_source,omitempty"`
	ConfidenceScore *float64     `json:"confidence_score,omitempty"`
	Sources         []Source     `json:"sources,omitempty"`
	ReasoningSteps  []AgentStep  `json:"reasoning_steps,omitempty"`
}

// TerminalResponse is the legacy terminal payload: an authoritative final
// snapshot whose sources replace, rather than merge into, the accumulated list.
type TerminalResponse struct {
	Response      string   `json:"response,omitempty"`
	FinalResponse string   `json:"final_response,omitempty"`
	Sources       []Source `json:"sources,omitempty"`
}

// Text returns the terminal answer text, preferring the primary field.
func (r *TerminalResponse) Text() string {
	if r.Response != "" {
		return r.Response
	}
	return r.FinalResponse
}

// ErrorPayload carries a semantic error delivered on the stream.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DonePayload carries stream completion metadata. It may arrive before or
// interleaved with the terminal content event.
type DonePayload struct {
	ProcessingTime *float64 `json:"processing_time,omitempty"`
	Status         string   `json:"status,omitempty"`
}

// eventEnvelope is the wire form of a StreamEvent.
type eventEnvelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the `{"type": ..., "data": ...}` envelope into the
// closed union. Unknown types are preserved with a nil payload so the merge
// engine can ignore them.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*e = StreamEvent{Type: env.Type}
	if len(env.Data) == 0 {
		return nil
	}

	switch env.Type {
	case EventChunk, EventPreliminary, EventRefinement, EventFinal:
		e.Chunk = &ResponseChunk{}
		return json.Unmarshal(env.Data, e.Chunk)
	case EventStep:
		e.Step = &AgentStep{}
		return json.Unmarshal(env.Data, e.Step)
	case EventResponse:
		e.Response = &TerminalResponse{}
		return json.Unmarshal(env.Data, e.Response)
	case EventError:
		e.Error = &ErrorPayload{}
		return json.Unmarshal(env.Data, e.Error)
	case EventDone:
		e.Done = &DonePayload{}
		return json.Unmarshal(env.Data, e.Done)
	}

	return nil
}

// MarshalJSON encodes the event back into its wire envelope.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	var payload any
	switch {
	case e.Chunk != nil:
		payload = e.Chunk
	case e.Step != nil:
		payload = e.Step
	case e.Response != nil:
		payload = e.Response
	case e.Error != nil:
		payload = e.Error
	case e.Done != nil:
		payload = e.Done
	}

	env := struct {
		Type EventType `json:"type"`
		Data any       `json:"data,omitempty"`
	}{Type: e.Type, Data: payload}

	return json.Marshal(env)
}
