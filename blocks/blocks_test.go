package blocks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-runtime/dslparser"
	"agent-runtime/llmdriver"
	"agent-runtime/message"
	"agent-runtime/skill"
	"agent-runtime/variable"
)

type fakeLLM struct{ answer string }

func (f *fakeLLM) ChatStream(ctx context.Context, msgs []message.Message, tools []llmdriver.ToolSpec, params llmdriver.Params) (<-chan llmdriver.Chunk, <-chan error) {
	ch := make(chan llmdriver.Chunk, 1)
	errCh := make(chan error, 1)
	ch <- llmdriver.Chunk{Content: f.answer, FinishReason: "stop"}
	close(ch)
	close(errCh)
	return ch, errCh
}

func TestExecutePromptWritesOutputVar(t *testing.T) {
	vars := variable.New()
	ec := ExecContext{Vars: vars, LLM: &fakeLLM{answer: "hello there"}}
	b := dslparser.Block{Kind: dslparser.KindPrompt, Body: "say hi", OutputVar: "greeting", Params: map[string]any{}}
	_, err := ExecutePrompt(context.Background(), ec, b)
	require.NoError(t, err)
	v, ok := vars.Get("greeting")
	require.True(t, ok)
	require.Equal(t, "hello there", v)
}

func TestExecuteJudgeExtractsBool(t *testing.T) {
	vars := variable.New()
	ec := ExecContext{Vars: vars, LLM: &fakeLLM{answer: "true"}}
	b := dslparser.Block{Kind: dslparser.KindJudge, Body: "is it correct?", OutputVar: "verdict", Params: map[string]any{}}
	_, err := ExecuteJudge(context.Background(), ec, b)
	require.NoError(t, err)
	v, _ := vars.Get("verdict")
	require.Equal(t, true, v)
}

func TestExecuteToolInvokesSkillAndBinds(t *testing.T) {
	vars := variable.New()
	reg := skill.NewRegistry()
	require.NoError(t, reg.Register(skill.Spec{Name: "echo", Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
		return "echoed", nil
	}}))
	disp := skill.NewDispatcher(reg)
	ec := ExecContext{Vars: vars, Dispatcher: disp}
	b := dslparser.Block{Kind: dslparser.KindTool, OutputVar: "out", Params: map[string]any{"skill": "echo", "args": map[string]any{}}}
	_, err := ExecuteTool(context.Background(), ec, b)
	require.NoError(t, err)
	v, _ := vars.Get("out")
	require.Equal(t, "echoed", v)
}

func TestExecuteAssignOverwriteAndAppend(t *testing.T) {
	vars := variable.New()
	ec := ExecContext{Vars: vars}
	b := dslparser.Block{Kind: dslparser.KindAssign, OutputVar: "x", Params: map[string]any{"value": "a"}}
	_, err := ExecuteAssign(ec, b)
	require.NoError(t, err)

	b2 := dslparser.Block{Kind: dslparser.KindAssign, OutputVar: "x", Params: map[string]any{"value": "b", "mode": "append"}}
	_, err = ExecuteAssign(ec, b2)
	require.NoError(t, err)

	v, _ := vars.Get("x")
	require.Equal(t, []any{"a", "b"}, v)
}

func TestExecuteAssignRequiresOutputVar(t *testing.T) {
	vars := variable.New()
	ec := ExecContext{Vars: vars}
	b := dslparser.Block{Kind: dslparser.KindAssign, Params: map[string]any{"value": "a"}}
	_, err := ExecuteAssign(ec, b)
	require.Error(t, err)
}

func TestExecuteIfBranches(t *testing.T) {
	vars := variable.New()
	b := dslparser.Block{Kind: dslparser.KindIf, Params: map[string]any{"condition": "x > 0"}}
	eval := func(expr string, vars *variable.Pool) (bool, error) { return expr == "x > 0", nil }
	out, err := ExecuteIf(b, vars, eval)
	require.NoError(t, err)
	require.Equal(t, "then", out.Branch)
}

func TestExecuteForResolvesList(t *testing.T) {
	vars := variable.New()
	require.NoError(t, vars.Set("items", []any{1, 2, 3}, variable.Overwrite))
	b := dslparser.Block{Kind: dslparser.KindFor, Params: map[string]any{"over": "items", "as": "it"}}
	list, loopVar, err := ExecuteFor(b, vars)
	require.NoError(t, err)
	require.Equal(t, "it", loopVar)
	require.Len(t, list, 3)
}

func TestExecuteParallelReturnsChildSpecs(t *testing.T) {
	b := dslparser.Block{Kind: dslparser.KindParallel, Params: map[string]any{"branches": []any{"a.agent", "b.agent"}}}
	out := ExecuteParallel(b)
	require.Len(t, out.ChildFrames, 2)
}

func TestCoerceOutputJSON(t *testing.T) {
	v := coerceOutput(`{"a":1}`, map[string]any{"output": "json"})
	m, ok := v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), m["a"])
}
