package llmdriver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-runtime/message"
)

func TestCompleteToolCallJoinsDeltas(t *testing.T) {
	d := ToolCallDelta{ID: "abc", Name: "search", ArgumentsDeltas: []string{`{"q":`, `"x"}`}}
	id, name, args, complete := CompleteToolCall(d)
	require.True(t, complete)
	require.Equal(t, "abc", id)
	require.Equal(t, "search", name)
	require.Equal(t, `{"q":"x"}`, args)
}

func TestCompleteToolCallIncompleteWithoutName(t *testing.T) {
	_, _, _, complete := CompleteToolCall(ToolCallDelta{})
	require.False(t, complete)
}

func TestFallbackToolCallID(t *testing.T) {
	require.Equal(t, "call_3_0", FallbackToolCallID(3, 0))
}

type fakeClient struct{ calls int }

func (f *fakeClient) ChatStream(ctx context.Context, messages []message.Message, tools []ToolSpec, params Params) (<-chan Chunk, <-chan error) {
	f.calls++
	ch := make(chan Chunk, 1)
	errCh := make(chan error, 1)
	ch <- Chunk{Content: "hi", FinishReason: "stop"}
	close(ch)
	close(errCh)
	return ch, errCh
}

func TestRateLimitedClientDelegates(t *testing.T) {
	fc := &fakeClient{}
	rl := NewRateLimitedClient(fc, 1000, 1000)
	chunks, errs := rl.ChatStream(context.Background(), nil, nil, Params{})
	c := <-chunks
	require.Equal(t, "hi", c.Content)
	require.NoError(t, <-errs)
	require.Equal(t, 1, fc.calls)
}

func TestBackoffAndRecoverAdjustRate(t *testing.T) {
	fc := &fakeClient{}
	rl := NewRateLimitedClient(fc, 10, 10)
	rl.Backoff()
	require.Less(t, rl.currentRPS, 10.0)
	rl.Recover()
	require.LessOrEqual(t, rl.currentRPS, 10.0)
}
