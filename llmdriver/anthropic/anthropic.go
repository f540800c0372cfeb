// Package anthropic implements llmdriver.Client on top of the Anthropic
// Claude Messages API, adapted from the teacher's
// features/model/anthropic adapter (same MessagesClient-subsetting
// pattern, same streaming-event translation idiom) but targeting this
// module's llmdriver.Chunk/ToolCallDelta accumulation contract instead of
// goa-ai's planner-facing model.Client.
package anthropic

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"agent-runtime/llmdriver"
	"agent-runtime/message"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures default model/sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements llmdriver.Client over Anthropic Messages streaming.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New constructs a Client from a MessagesClient and Options.
func New(msg MessagesClient, opts Options) *Client {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}
}

// ChatStream translates messages/tools/params into an Anthropic streaming
// request and accumulates server-sent events into llmdriver.Chunk values.
func (c *Client) ChatStream(ctx context.Context, messages []message.Message, tools []llmdriver.ToolSpec, params llmdriver.Params) (<-chan llmdriver.Chunk, <-chan error) {
	chunkCh := make(chan llmdriver.Chunk)
	errCh := make(chan error, 1)

	model := params.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	body := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(messages),
		Tools:     toAnthropicTools(tools),
	}
	for _, m := range messages {
		if m.Role == message.RoleSystem {
			body.System = append(body.System, sdk.TextBlockParam{Text: message.ExtractText(m.Content)})
		}
	}

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		stream := c.msg.NewStreaming(ctx, body)
		acc := accumulator{toolCalls: make(map[int]llmdriver.ToolCallDelta)}

		for stream.Next() {
			select {
			case <-ctx.Done():
				errCh <- &llmdriver.NetworkError{Provider: "anthropic", Cause: llmdriver.ErrCancelled}
				return
			default:
			}
			event := stream.Current()
			acc.apply(event)
			chunkCh <- acc.snapshot()
		}
		if err := stream.Err(); err != nil {
			errCh <- &llmdriver.NetworkError{Provider: "anthropic", Cause: err}
		}
	}()

	return chunkCh, errCh
}

// accumulator folds streaming deltas into the running Chunk state.
type accumulator struct {
	content      string
	reasoning    string
	toolCalls    map[int]llmdriver.ToolCallDelta
	finishReason string
	usage        *llmdriver.Usage
}

func (a *accumulator) apply(event sdk.MessageStreamEventUnion) {
	switch event.Type {
	case "content_block_delta":
		delta := event.Delta
		if delta.Text != "" {
			a.content += delta.Text
		}
		if delta.Thinking != "" {
			a.reasoning += delta.Thinking
		}
		if delta.PartialJSON != "" {
			idx := int(event.Index)
			tc := a.toolCalls[idx]
			tc.Index = idx
			tc.ArgumentsDeltas = append(tc.ArgumentsDeltas, delta.PartialJSON)
			a.toolCalls[idx] = tc
		}
	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			idx := int(event.Index)
			tc := a.toolCalls[idx]
			tc.Index = idx
			tc.ID = event.ContentBlock.ID
			tc.Name = event.ContentBlock.Name
			a.toolCalls[idx] = tc
		}
	case "message_delta":
		if event.Delta.StopReason != "" {
			a.finishReason = string(event.Delta.StopReason)
		}
		if event.Usage.OutputTokens > 0 {
			a.usage = &llmdriver.Usage{
				CompletionTokens: int(event.Usage.OutputTokens),
				PromptTokens:     int(event.Usage.InputTokens),
				TotalTokens:      int(event.Usage.InputTokens + event.Usage.OutputTokens),
			}
		}
	}
}

func (a *accumulator) snapshot() llmdriver.Chunk {
	toolCalls := make(map[int]llmdriver.ToolCallDelta, len(a.toolCalls))
	for k, v := range a.toolCalls {
		toolCalls[k] = v
	}
	return llmdriver.Chunk{
		Content:          a.content,
		ReasoningContent: a.reasoning,
		ToolCallsData:    toolCalls,
		FinishReason:     a.finishReason,
		Usage:            a.usage,
	}
}

func toAnthropicMessages(msgs []message.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			continue // system prompt passed separately via body.System
		}
		role := sdk.MessageParamRoleUser
		if m.Role == message.RoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		out = append(out, sdk.MessageParam{
			Role: role,
			Content: []sdk.ContentBlockParamUnion{
				sdk.NewTextBlock(message.ExtractText(m.Content)),
			},
		})
	}
	return out
}

func toAnthropicTools(tools []llmdriver.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				InputSchema: rawSchema(t.ParamSchema),
			},
		})
	}
	return out
}

func rawSchema(schema []byte) sdk.ToolInputSchemaParam {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{Type: "object"}
	}
	return sdk.ToolInputSchemaParam{Type: "object", ExtraFields: map[string]any{"raw": string(schema)}}
}
