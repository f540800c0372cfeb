// Package openai implements llmdriver.Client on top of the OpenAI Chat
// Completions streaming API using github.com/openai/openai-go — the
// dependency actually declared in this module's go.mod. The teacher's own
// features/model/openai adapter imports github.com/sashabaranov/go-openai
// instead; that import was not carried over here since it is not part of
// the retained dependency set (see DESIGN.md), but the adapter's overall
// shape (interface-subsetting client, Options/New, streamed chunk
// translation, tool-call accumulation by index) follows it.
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"agent-runtime/llmdriver"
	"agent-runtime/message"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter.
type ChatClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *openai.ChatCompletionStream
}

// Options configures default model/sampling parameters.
type Options struct {
	DefaultModel string
	Temperature  float64
	MaxTokens    int
}

// Client implements llmdriver.Client over OpenAI chat completion streaming.
type Client struct {
	chat         ChatClient
	defaultModel string
	temperature  float64
	maxTokens    int
}

// New constructs a Client.
func New(chat ChatClient, opts Options) *Client {
	return &Client{chat: chat, defaultModel: opts.DefaultModel, temperature: opts.Temperature, maxTokens: opts.MaxTokens}
}

// ChatStream translates messages/tools/params into an OpenAI streaming
// request and accumulates deltas into llmdriver.Chunk values, iterating the
// full tool_calls array per delta rather than only index 0 (spec §4.7).
func (c *Client) ChatStream(ctx context.Context, messages []message.Message, tools []llmdriver.ToolSpec, params llmdriver.Params) (<-chan llmdriver.Chunk, <-chan error) {
	chunkCh := make(chan llmdriver.Chunk)
	errCh := make(chan error, 1)

	model := params.Model
	if model == "" {
		model = c.defaultModel
	}

	body := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	}
	if params.MaxTokens > 0 {
		body.MaxTokens = openai.Int(int64(params.MaxTokens))
	} else if c.maxTokens > 0 {
		body.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		stream := c.chat.NewStreaming(ctx, body)
		acc := accumulator{toolCalls: make(map[int]llmdriver.ToolCallDelta)}

		for stream.Next() {
			select {
			case <-ctx.Done():
				errCh <- &llmdriver.NetworkError{Provider: "openai", Cause: llmdriver.ErrCancelled}
				return
			default:
			}
			chunk := stream.Current()
			acc.apply(chunk)
			chunkCh <- acc.snapshot()
		}
		if err := stream.Err(); err != nil {
			errCh <- &llmdriver.NetworkError{Provider: "openai", Cause: err}
		}
	}()

	return chunkCh, errCh
}

type accumulator struct {
	content      string
	toolCalls    map[int]llmdriver.ToolCallDelta
	finishReason string
	usage        *llmdriver.Usage
}

func (a *accumulator) apply(chunk openai.ChatCompletionChunk) {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			a.content += choice.Delta.Content
		}
		// Iterate every tool-call delta in the array, never just index 0.
		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			existing := a.toolCalls[idx]
			existing.Index = idx
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				existing.ArgumentsDeltas = append(existing.ArgumentsDeltas, tc.Function.Arguments)
			}
			a.toolCalls[idx] = existing
		}
		if choice.FinishReason != "" {
			a.finishReason = string(choice.FinishReason)
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		a.usage = &llmdriver.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
}

func (a *accumulator) snapshot() llmdriver.Chunk {
	toolCalls := make(map[int]llmdriver.ToolCallDelta, len(a.toolCalls))
	for k, v := range a.toolCalls {
		toolCalls[k] = v
	}
	return llmdriver.Chunk{
		Content:       a.content,
		ToolCallsData: toolCalls,
		FinishReason:  a.finishReason,
		Usage:         a.usage,
	}
}

func toOpenAIMessages(msgs []message.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := message.ExtractText(m.Content)
		switch m.Role {
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case message.RoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		case message.RoleTool:
			out = append(out, openai.ToolMessage(text, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

func toOpenAITools(tools []llmdriver.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  rawParameters(t.ParamSchema),
			},
		})
	}
	return out
}

func rawParameters(schema []byte) openai.FunctionParameters {
	if len(schema) == 0 {
		return openai.FunctionParameters{"type": "object"}
	}
	return openai.FunctionParameters{"type": "object", "raw": string(schema)}
}
