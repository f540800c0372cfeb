// Package explore implements the Explore Engine (spec §2.8, §4.8): the
// ReAct loop that drives an LLM turn, executes resulting tool calls through
// the skill dispatcher, evaluates an optional on_stop hook, and writes a
// coerced answer into an output variable. Grounded on the teacher's
// planner.Planner interface shape (runtime/agent/planner/planner.go:
// PlanInput/PlanResult/ToolRequest/ToolResult/PlannerEvents) generalized
// from a single-shot plan call into the iterating loop this spec requires,
// and on model.go's StreamItem-like accumulation idiom.
package explore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agent-runtime/contextengine"
	"agent-runtime/llmdriver"
	"agent-runtime/message"
	"agent-runtime/resultcache"
	"agent-runtime/runtimeerr"
	"agent-runtime/skill"
	"agent-runtime/variable"
)

// OutputFormat mirrors the `output` block parameter: raw|json|jsonl|obj/<Type>.
type OutputFormat string

// Params configures one Explore invocation (spec §4.8 "Parameters").
type Params struct {
	Tools           []llmdriver.ToolSpec
	Model           string
	SystemPrompt    string
	Output          OutputFormat
	OnStop          *OnStopConfig
	MaxRetries      int
	DedupeDisabled  bool
}

// OnStopConfig configures the on_stop hook evaluated at normal termination
// (spec §4.8 step 6).
type OnStopConfig struct {
	// Expression, when non-empty, is evaluated by Evaluator.
	Expression string
	Evaluator  func(expr string, vars HookVars) (float64, error)
	// Agent, when set, names a verifier agent file to run in an isolated
	// COW context; RunVerifier performs that invocation.
	Agent       string
	RunVerifier func(ctx context.Context, agentRef string, vars HookVars) (HookResult, error)
	Threshold   float64
}

// HookVars is the restricted variable set exposed to an on_stop handler
// (spec §4.8: "answer, think, steps, tool_calls_count").
type HookVars struct {
	Answer         string
	Think          string
	Steps          int
	ToolCallsCount int
}

// HookResult is the outcome of evaluating an on_stop hook.
type HookResult struct {
	Score    float64
	Passed   bool
	Feedback string
	Retry    bool
	Error    string
}

// StreamItem accumulates one LLM turn's state (spec §4.8 step 3).
type StreamItem struct {
	Answer       string
	Think        string
	ToolCalls    map[int]llmdriver.ToolCallDelta
	FinishReason string
	Usage        *llmdriver.Usage
}

// ProgressFunc receives a per-chunk progress notification (spec §4.8 step
// 3 "yield progress updates").
type ProgressFunc func(StreamItem)

// PlanGuardrail reports whether an active plan must force continuation
// regardless of the LLM's own stop signal (spec §4.8 step 4, §4.13).
type PlanGuardrail func() (active bool, allTerminal bool)

// Engine runs the ReAct loop for one Explore block invocation.
type Engine struct {
	Vars          *variable.Pool
	Skills        *skill.Registry
	Dispatcher    *skill.Dispatcher
	LLM           llmdriver.Client
	ContextEngine *contextengine.Engine
	// ResultCache backs the on_before_send_to_context retention transform
	// (spec §4.3, §4.4). Nil disables the transform: tool results are
	// inlined as raw JSON regardless of Spec.Retention.
	ResultCache    *resultcache.Cache
	CheckInterrupt func() error // returns *runtimeerr.UserInterrupt when set
	Guardrail      PlanGuardrail
	OnProgress     ProgressFunc
}

// deduplicator tracks (name, canonical_json(args)) identity keys scoped to
// one Explore invocation (spec §4.8 "Deduplicator").
type deduplicator struct {
	seen map[string]skill.Result
}

func newDeduplicator() *deduplicator { return &deduplicator{seen: make(map[string]skill.Result)} }

func (d *deduplicator) key(name, args string) string { return name + "\x00" + args }

func (d *deduplicator) check(name, args string) (skill.Result, bool) {
	r, ok := d.seen[d.key(name, args)]
	return r, ok
}

func (d *deduplicator) record(name, args string, r skill.Result) {
	d.seen[d.key(name, args)] = r
}

// Run executes the ReAct loop to termination, returning the coerced final
// output. sessionCounter is the per-invocation tool-call fallback-ID
// counter (spec §4.7/§4.8 "session_counter").
func (e *Engine) Run(ctx context.Context, initialMessages []message.Message, params Params) (any, error) {
	dedupe := newDeduplicator()
	sessionCounter := 0
	attempt := 0
	messages := append([]message.Message{}, initialMessages...)
	steps := 0

	for {
		if e.CheckInterrupt != nil {
			if err := e.CheckInterrupt(); err != nil {
				return nil, err
			}
		}

		item, err := e.runOneTurn(ctx, messages, params)
		if err != nil {
			return nil, err
		}
		steps++

		messages, sessionCounter, err = e.executeToolCalls(ctx, messages, item, dedupe, &sessionCounter)
		if err != nil {
			return nil, err
		}

		if e.shouldContinue(item) {
			continue
		}

		if params.OnStop != nil {
			result, err := e.evaluateOnStop(ctx, params.OnStop, item, steps)
			if err != nil {
				return nil, err
			}
			if result.Retry && attempt < params.MaxRetries {
				attempt++
				messages = append(messages, message.Message{
					Role:    message.RoleUser,
					Content: message.Text("Feedback: " + result.Feedback),
				})
				continue
			}
		}

		return coerceFinalOutput(item.Answer, params.Output), nil
	}
}

// shouldContinue implements step 4's decision, including the Plan
// guardrail's highest-priority override (spec §4.8 step 4).
func (e *Engine) shouldContinue(item StreamItem) bool {
	if e.Guardrail != nil {
		if active, allTerminal := e.Guardrail(); active && !allTerminal {
			return true
		}
	}
	if item.FinishReason == "tool_calls" {
		return hasCompleteToolCall(item.ToolCalls)
	}
	for _, tc := range item.ToolCalls {
		if _, _, _, complete := llmdriver.CompleteToolCall(tc); complete {
			return true
		}
	}
	return false
}

func hasCompleteToolCall(calls map[int]llmdriver.ToolCallDelta) bool {
	for _, tc := range calls {
		if _, _, _, complete := llmdriver.CompleteToolCall(tc); complete {
			return true
		}
	}
	return false
}

// runOneTurn streams one LLM turn to completion, reporting progress after
// each chunk (spec §4.8 step 3).
func (e *Engine) runOneTurn(ctx context.Context, messages []message.Message, params Params) (StreamItem, error) {
	chunks, errs := e.LLM.ChatStream(ctx, messages, params.Tools, llmdriver.Params{Model: params.Model})
	var item StreamItem
	for c := range chunks {
		item.Answer = c.Content
		item.Think = c.ReasoningContent
		item.ToolCalls = c.ToolCallsData
		item.FinishReason = c.FinishReason
		item.Usage = c.Usage
		if e.OnProgress != nil {
			e.OnProgress(item)
		}
	}
	if err := <-errs; err != nil {
		return StreamItem{}, err
	}
	return item, nil
}

// executeToolCalls runs complete tool calls in index order (spec §4.8 step
// 5), appending tool-response messages, and returns the updated message
// list.
func (e *Engine) executeToolCalls(ctx context.Context, messages []message.Message, item StreamItem, dedupe *deduplicator, sessionCounter *int) ([]message.Message, int, error) {
	indices := sortedIndices(item.ToolCalls)
	for _, idx := range indices {
		delta := item.ToolCalls[idx]
		id, name, args, complete := llmdriver.CompleteToolCall(delta)
		if !complete {
			continue
		}
		if id == "" {
			id = llmdriver.FallbackToolCallID(*sessionCounter, idx)
		}
		*sessionCounter++

		canonicalArgs := canonicalizeJSON(args)

		if cached, ok := dedupe.check(name, canonicalArgs); ok {
			messages = append(messages, e.toolResponseMessage(cached, id))
			continue
		}

		res := e.Dispatcher.Invoke(ctx, skill.Call{ID: id, SkillName: name, Arguments: json.RawMessage(args)})
		if res.Err != nil {
			if ti, ok := runtimeerr.AsToolInterrupt(res.Err); ok {
				ti.ToolCallID = id
				return messages, *sessionCounter, ti
			}
			// Regular error: attach an error tool-response; the loop continues
			// (spec §4.8 step 5d).
			messages = append(messages, errorToolResponseMessage(id, res.Err))
			continue
		}
		dedupe.record(name, canonicalArgs, res)
		messages = append(messages, e.toolResponseMessage(res, id))
	}
	return messages, *sessionCounter, nil
}

func sortedIndices(calls map[int]llmdriver.ToolCallDelta) []int {
	out := make([]int, 0, len(calls))
	for idx := range calls {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func canonicalizeJSON(args string) string {
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	b, err := json.Marshal(v)
	if err != nil {
		return args
	}
	return string(b)
}

// toolResponseMessage renders a dispatched skill result as a tool-response
// message, applying the skill's retention policy via
// skill.OnBeforeSendToContext when a ResultCache is configured (spec §4.3
// "on_before_send_to_context", §4.4). Without a ResultCache it falls back
// to inlining the raw JSON payload, matching the pre-retention behavior.
func (e *Engine) toolResponseMessage(res skill.Result, toolCallID string) message.Message {
	if e.ResultCache == nil {
		payload, _ := json.Marshal(res.Value)
		return message.Message{
			Role:       message.RoleTool,
			Content:    message.Text(string(payload)),
			ToolCallID: toolCallID,
		}
	}

	maxLength := 0
	if e.Skills != nil {
		if spec, ok := e.Skills.Resolve(res.SkillName); ok {
			maxLength = spec.MaxLength
		}
	}
	content := skill.OnBeforeSendToContext(e.ResultCache, res, maxLength)
	return message.Message{
		Role:       message.RoleTool,
		Content:    message.Text(content.Text),
		ToolCallID: toolCallID,
		Metadata:   content.Metadata,
	}
}

func errorToolResponseMessage(toolCallID string, err error) message.Message {
	return message.Message{
		Role:       message.RoleTool,
		Content:    message.Text(fmt.Sprintf(`{"error": %q}`, err.Error())),
		ToolCallID: toolCallID,
		Metadata:   map[string]any{"error": true},
	}
}

// evaluateOnStop runs the configured expression or agent/verifier handler
// and returns a HookResult (spec §4.8 step 6).
func (e *Engine) evaluateOnStop(ctx context.Context, cfg *OnStopConfig, item StreamItem, steps int) (HookResult, error) {
	vars := HookVars{Answer: item.Answer, Think: item.Think, Steps: steps, ToolCallsCount: len(item.ToolCalls)}

	if cfg.Agent != "" {
		runVerifier := cfg.RunVerifier
		if runVerifier == nil {
			runVerifier = e.defaultRunVerifierFor(cfg.Threshold)
		}
		res, err := runVerifier(ctx, cfg.Agent, vars)
		if err != nil {
			// Degrade rule (spec §4.8 "crash"): a verifier crash never
			// retries, so a broken verifier can't wedge the loop.
			return HookResult{Score: 0, Retry: false, Error: err.Error()}, nil
		}
		return res, nil
	}

	if cfg.Expression != "" {
		evaluator := cfg.Evaluator
		if evaluator == nil {
			evaluator = EvaluateExpression
		}
		score, err := evaluator(cfg.Expression, vars)
		if err != nil {
			return HookResult{}, runtimeerr.New(runtimeerr.KindParse, "on_stop expression: "+err.Error())
		}
		score = clamp01(score)
		passed := score >= cfg.Threshold
		return HookResult{Score: score, Passed: passed, Retry: !passed}, nil
	}

	return HookResult{Score: 1, Passed: true}, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// coerceFinalOutput implements step 7's output-format coercion.
func coerceFinalOutput(answer string, format OutputFormat) any {
	switch {
	case format == "json":
		var v any
		if err := json.Unmarshal([]byte(answer), &v); err == nil {
			return v
		}
		return answer
	case format == "jsonl":
		lines := strings.Split(strings.TrimSpace(answer), "\n")
		out := make([]any, 0, len(lines))
		for _, line := range lines {
			var v any
			if err := json.Unmarshal([]byte(line), &v); err == nil {
				out = append(out, v)
			}
		}
		return out
	case strings.HasPrefix(string(format), "obj/"):
		var v any
		if err := json.Unmarshal([]byte(answer), &v); err == nil {
			return v
		}
		return answer
	default:
		return answer
	}
}
