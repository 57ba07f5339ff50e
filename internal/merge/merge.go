// Package merge folds answer stream events into an AnswerState. The fold is a
// pure, total function: it never performs I/O, never panics, and treats
// unrecognized events as no-ops, so all fallibility lives at the caller.
package merge

import (
	"github.com/docuquery/answer-gateway/internal/model"
)

// FallbackContent is substituted at finalization when the stream ended
// without ever producing non-empty content. The fold itself never fabricates
// content; only Finalize applies this.
const FallbackContent = "No response generated"

// NewState returns an empty accumulator for a freshly created assistant
// placeholder. Slices are non-nil so the state serializes as empty arrays.
func NewState() model.AnswerState {
	return model.AnswerState{
		Sources:        []model.Source{},
		ReasoningSteps: []model.AgentStep{},
	}
}

// Fold merges one stream event into the accumulated state and returns the
// result. The output for event n depends only on the output for event n-1 and
// event n; events with a missing payload or an unknown type return the state
// unchanged.
func Fold(state model.AnswerState, ev model.StreamEvent) model.AnswerState {
	switch ev.Type {
	case model.EventChunk, model.EventPreliminary, model.EventRefinement, model.EventFinal:
		if ev.Chunk == nil {
			return state
		}
		return foldChunk(state, ev.Type, ev.Chunk)

	case model.EventStep:
		if ev.Step == nil {
			return state
		}
		// A step means work is still ongoing, even when the last content
		// event already reached a refinement plateau.
		state.ReasoningSteps = append(state.ReasoningSteps, *ev.Step)
		state.IsRefining = true
		return state

	case model.EventResponse:
		if ev.Response == nil {
			return state
		}
		return foldResponse(state, ev.Response)

	case model.EventError:
		if ev.Error == nil {
			return state
		}
		// Sources and steps accumulated so far stay untouched; the caller
		// treats this as terminal for the query.
		state.Content = "Error: " + ev.Error.Message
		return state

	case model.EventDone:
		// Metadata only. Done may arrive before or interleaved with the
		// terminal content event; it never alters content or flags.
		if ev.Done != nil && ev.Done.ProcessingTime != nil {
			state.ProcessingTime = ev.Done.ProcessingTime
		}
		return state
	}

	return state
}

// foldChunk applies a content-bearing snapshot. Chunks carry the entire
// current answer text, not a delta.
func foldChunk(state model.AnswerState, envelope model.EventType, chunk *model.ResponseChunk) model.AnswerState {
	if state.Content != "" {
		state.PreviousContent = state.Content
	}
	// An empty snapshot never blanks out previously displayed text.
	if chunk.Content != "" {
		state.Content = chunk.Content
	}

	// The envelope tag is the fallback phase for transports that put the
	// phase on the event rather than the payload.
	responseType := chunk.Type
	if responseType == "" {
		responseType = model.ResponseType(envelope)
	}
	state.ResponseType = responseType

	if chunk.PathSource != "" {
		state.PathSource = chunk.PathSource
	}
	if chunk.ConfidenceScore != nil {
		state.ConfidenceScore = chunk.ConfidenceScore
	}

	state.Sources = mergeSources(state.Sources, chunk.Sources)
	if len(chunk.ReasoningSteps) > 0 {
		state.ReasoningSteps = append(state.ReasoningSteps, chunk.ReasoningSteps...)
	}

	state.IsRefining = responseType == model.ResponsePreliminary || responseType == model.ResponseRefinement
	return state
}

// foldResponse applies the legacy terminal form: an authoritative final
// snapshot whose sources replace the accumulated list.
func foldResponse(state model.AnswerState, resp *model.TerminalResponse) model.AnswerState {
	if state.Content != "" {
		state.PreviousContent = state.Content
	}
	if text := resp.Text(); text != "" {
		state.Content = text
	}

	state.Sources = Dedup(resp.Sources)
	state.ResponseType = model.ResponseFinal
	state.IsRefining = false
	return state
}

// Finalize is applied once the stream has ended (success, error, or
// abandonment): substitute the fallback for empty content, re-run the dedup
// pass, and force the refining flag off.
func Finalize(state model.AnswerState) model.AnswerState {
	if state.Content == "" {
		state.Content = FallbackContent
	}
	state.Sources = Dedup(state.Sources)
	state.IsRefining = false
	return state
}

// mergeSources appends the incoming batch onto the existing list, dropping
// entries whose chunk_id is already present. First write wins: a later
// duplicate is discarded whole, never merged field by field.
func mergeSources(existing []model.Source, incoming []model.Source) []model.Source {
	if len(incoming) == 0 {
		return existing
	}

	seen := make(map[string]struct{}, len(existing))
	for _, src := range existing {
		seen[src.ChunkID] = struct{}{}
	}

	merged := existing
	for _, src := range incoming {
		if _, dup := seen[src.ChunkID]; dup {
			continue
		}
		seen[src.ChunkID] = struct{}{}
		merged = append(merged, src)
	}
	return merged
}

// Dedup returns the list with duplicate chunk_ids removed, keeping the first
// occurrence in place.
func Dedup(sources []model.Source) []model.Source {
	deduped := make([]model.Source, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if _, dup := seen[src.ChunkID]; dup {
			continue
		}
		seen[src.ChunkID] = struct{}{}
		deduped = append(deduped, src)
	}
	return deduped
}
