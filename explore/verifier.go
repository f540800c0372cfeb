package explore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"agent-runtime/llmdriver"
	"agent-runtime/message"
)

// defaultRunVerifierFor builds the default @verifier handler (spec §4.8
// step 6, §4.13): agentRef is used as the verifier's system prompt, and
// the only state it sees is the restricted hook context (answer, think,
// steps, tool_calls) — never the parent's variable pool or tool set,
// matching the "isolated COW context... with only _hook_context injected"
// requirement. threshold is captured from the owning OnStopConfig since
// the RunVerifier signature itself carries no threshold parameter.
func (e *Engine) defaultRunVerifierFor(threshold float64) func(ctx context.Context, agentRef string, vars HookVars) (HookResult, error) {
	return func(ctx context.Context, agentRef string, vars HookVars) (HookResult, error) {
		score, feedback, err := e.runVerifierTurn(ctx, agentRef, vars)
		if err != nil {
			return HookResult{}, err
		}
		score = clamp01(score)
		passed := score >= threshold
		return HookResult{Score: score, Passed: passed, Feedback: feedback, Retry: !passed}, nil
	}
}

// runVerifierTurn runs a single isolated LLM turn: agentRef as the system
// prompt, _hook_context as the only user-visible state, no tools.
func (e *Engine) runVerifierTurn(ctx context.Context, agentRef string, vars HookVars) (float64, string, error) {
	hookContext, err := json.Marshal(map[string]any{
		"answer":     vars.Answer,
		"think":      vars.Think,
		"steps":      vars.Steps,
		"tool_calls": vars.ToolCallsCount,
	})
	if err != nil {
		return 0, "", err
	}

	msgs := []message.Message{
		{Role: message.RoleSystem, Content: message.Text(agentRef)},
		{Role: message.RoleUser, Content: message.Text("_hook_context = " + string(hookContext))},
	}

	chunks, errs := e.LLM.ChatStream(ctx, msgs, nil, llmdriver.Params{})
	var answer string
	for c := range chunks {
		answer = c.Content
	}
	if err := <-errs; err != nil {
		return 0, "", err
	}
	return parseVerifierOutput(answer)
}

// parseVerifierOutput accepts either a bare number or a
// {score, passed?, feedback?, retry?, breakdown?} JSON object (spec §4.8
// step 6). Only score and feedback feed into the resulting HookResult:
// passed/retry are always recomputed from the configured threshold so a
// verifier agent cannot bypass it by self-reporting passed=true.
func parseVerifierOutput(answer string) (float64, string, error) {
	trimmed := strings.TrimSpace(answer)
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f, "", nil
	}
	var payload struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return 0, "", fmt.Errorf("explore: verifier output not parseable as a score: %w", err)
	}
	return payload.Score, payload.Feedback, nil
}
