package model

// Source is a retrieved passage backing part of the answer. Identity is
// ChunkID; two sources with equal ChunkID are the same citation regardless of
// any other field differences.
type Source struct {
	ChunkID      string         `json:"chunk_id"`
	DocumentID   string         `json:"document_id,omitempty"`
	DocumentName string         `json:"document_name,omitempty"`
	Text         string         `json:"text,omitempty"`
	Score        float64        `json:"score,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AgentStep is one reasoning step reported by the agent backend. Steps are
// immutable once received: never edited or removed, only appended.
type AgentStep struct {
	StepID    string         `json:"step_id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AnswerState is the accumulated view of an in-progress assistant answer. It
// is owned by the merge engine for the duration of one query and mutated one
// event at a time, strictly in arrival order; every intermediate value is
// published to the message store as-is.
type AnswerState struct {
	Content         string       `json:"content"`
	PreviousContent string       `json:"previous_content,omitempty"`
	ResponseType    ResponseType `json:"response_type,omitempty"`
	PathSource      PathSource   `json:"path_source,omitempty"`
	ConfidenceScore *float64     `json:"confidence_score,omitempty"`
	IsRefining      bool         `json:"is_refining"`
	Sources         []Source     `json:"sources"`
	ReasoningSteps  []AgentStep  `json:"reasoning_steps"`
	ProcessingTime  *float64     `json:"processing_time,omitempty"`
}
