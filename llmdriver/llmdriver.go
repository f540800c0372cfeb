// Package llmdriver implements the LLM Driver Abstraction (spec §2.7,
// §4.7): a single streaming operation over provider-specific chat
// completion APIs, with chunk accumulation, strict tool-call-ID handling,
// and typed errors on transport failure.
package llmdriver

import (
	"context"
	"errors"
	"fmt"

	"agent-runtime/message"
)

// ToolSpec describes one callable tool offered to the model in a request.
type ToolSpec struct {
	Name        string
	Description string
	ParamSchema []byte // JSON schema
}

// Params configures a single chat_stream call.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Extra       map[string]any
}

// ToolCallDelta is one incremental fragment of a tool-call's arguments,
// keyed by the provider's stream index (spec §4.7 "tool_calls_data").
type ToolCallDelta struct {
	Index            int
	ID               string
	Name             string
	ArgumentsDeltas  []string
}

// Usage reports token accounting for a completed stream, when the provider
// supplies it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one increment of a chat_stream response (spec §4.7).
type Chunk struct {
	Content           string // accumulated so far
	ReasoningContent  string // accumulated so far
	ToolCallsData     map[int]ToolCallDelta
	FinishReason      string
	Usage             *Usage
}

// NetworkError is the typed failure surfaced when a stream fails due to
// transport/provider issues (spec §4.7 "typed error"; never silently
// truncate).
type NetworkError struct {
	Provider string
	Cause    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("llmdriver: %s stream failed: %v", e.Provider, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// Client is the provider-agnostic driver contract. Implementations live in
// subpackages (anthropic, openai).
type Client interface {
	// ChatStream streams a completion for messages given the offered tools
	// and params. The returned channel is closed when the stream ends,
	// successfully or not; a non-nil error value is sent as the final item
	// only through errCh. Cancelling ctx ends the stream.
	ChatStream(ctx context.Context, messages []message.Message, tools []ToolSpec, params Params) (<-chan Chunk, <-chan error)
}

// ErrCancelled is returned (wrapped in NetworkError) when ctx is cancelled
// mid-stream.
var ErrCancelled = errors.New("llmdriver: stream cancelled")

// CompleteToolCall materializes one finished tool call from an accumulated
// delta (concatenating argument fragments in arrival order).
func CompleteToolCall(d ToolCallDelta) (id, name, args string, complete bool) {
	if d.Name == "" {
		return "", "", "", false
	}
	var joined string
	for _, frag := range d.ArgumentsDeltas {
		joined += frag
	}
	return d.ID, d.Name, joined, true
}

// FallbackToolCallID builds the `call_{session}_{index}` identifier used
// when a provider omits a tool-call ID (spec §4.7/§4.8).
func FallbackToolCallID(sessionCounter, index int) string {
	return fmt.Sprintf("call_%d_%d", sessionCounter, index)
}
