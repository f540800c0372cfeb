// Package blocks implements the non-Explore Block Executors (spec §2.9,
// §4.9): prompt, judge, tool, assign, if, for, parallel. Each executor takes
// a dslparser.Block; prompt, judge, tool and assign also receive an
// ExecContext carrying the collaborators they need (variable pool, skill
// dispatcher, LLM driver), while if and for take the variable pool
// directly. Every executor except for returns an Outcome describing what
// happened and, for `parallel`, which child bodies the caller should run.
package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"agent-runtime/dslparser"
	"agent-runtime/llmdriver"
	"agent-runtime/message"
	"agent-runtime/skill"
	"agent-runtime/variable"
)

// ExecContext bundles the collaborators available to a block executor.
type ExecContext struct {
	Vars       *variable.Pool
	Skills     *skill.Registry
	Dispatcher *skill.Dispatcher
	LLM        llmdriver.Client
	// RenderPrompt resolves an expression/template body (e.g. "{{x}}"
	// interpolation or a safe-expression evaluator) into a concrete string.
	// Kept pluggable since the DSL's expression language is implementation
	// defined beyond the block contract (spec §8).
	RenderPrompt func(body string, vars *variable.Pool) (string, error)
}

// Outcome reports the result of executing one block.
type Outcome struct {
	OutputValue any
	ChildFrames []ChildSpec // populated only for `parallel`
	Branch      string      // populated only for `if` ("then"/"else")
}

// ChildSpec describes one frame to spawn for a `parallel` block.
type ChildSpec struct {
	Body string
}

func render(ec ExecContext, body string) (string, error) {
	if ec.RenderPrompt != nil {
		return ec.RenderPrompt(body, ec.Vars)
	}
	return body, nil
}

// ExecutePrompt runs a single LLM turn with no tools and writes the
// accumulated answer to the block's output variable (spec §4.9 "prompt").
func ExecutePrompt(ctx context.Context, ec ExecContext, b dslparser.Block) (Outcome, error) {
	prompt, err := render(ec, b.Body)
	if err != nil {
		return Outcome{}, err
	}
	msgs := []message.Message{{Role: message.RoleUser, Content: message.Text(prompt)}}
	answer, _, err := runSingleTurn(ctx, ec, msgs, b.Params)
	if err != nil {
		return Outcome{}, err
	}
	value := coerceOutput(answer, b.Params)
	if b.OutputVar != "" {
		if err := ec.Vars.Set(b.OutputVar, value, variable.Overwrite); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{OutputValue: value}, nil
}

// ExecuteJudge runs a single LLM turn and extracts a strict boolean/score
// (spec §4.9 "judge").
func ExecuteJudge(ctx context.Context, ec ExecContext, b dslparser.Block) (Outcome, error) {
	prompt, err := render(ec, b.Body)
	if err != nil {
		return Outcome{}, err
	}
	msgs := []message.Message{{Role: message.RoleUser, Content: message.Text(prompt)}}
	answer, _, err := runSingleTurn(ctx, ec, msgs, b.Params)
	if err != nil {
		return Outcome{}, err
	}
	verdict := extractBoolOrScore(answer)
	if b.OutputVar != "" {
		if err := ec.Vars.Set(b.OutputVar, verdict, variable.Overwrite); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{OutputValue: verdict}, nil
}

// ExecuteTool directly invokes the skill named by the block's `skill`
// parameter with its `args` parameter JSON-encoded as given, and binds the
// raw result value to the output variable when one is set (spec §4.9
// "tool"). The arguments are not rendered against the variable pool, and no
// result reference is created for the result.
func ExecuteTool(ctx context.Context, ec ExecContext, b dslparser.Block) (Outcome, error) {
	name, _ := b.Params["skill"].(string)
	argsRaw, err := json.Marshal(b.Params["args"])
	if err != nil {
		return Outcome{}, fmt.Errorf("blocks: encode tool args: %w", err)
	}
	res := ec.Dispatcher.Invoke(ctx, skill.Call{SkillName: name, Arguments: argsRaw})
	if res.Err != nil {
		return Outcome{}, res.Err
	}
	if b.OutputVar != "" {
		if err := ec.Vars.Set(b.OutputVar, res.Value, variable.Overwrite); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{OutputValue: res.Value}, nil
}

// WriteMode selects how ExecuteAssign combines the evaluated value with any
// existing variable at the output path.
type WriteMode = variable.WriteMode

// ExecuteAssign evaluates an expression or literal and writes it to a
// variable, overwrite or append (spec §4.9 "assign").
func ExecuteAssign(ec ExecContext, b dslparser.Block) (Outcome, error) {
	value, ok := b.Params["value"]
	if !ok {
		rendered, err := render(ec, b.Body)
		if err != nil {
			return Outcome{}, err
		}
		value = rendered
	}
	mode := variable.Overwrite
	if m, _ := b.Params["mode"].(string); m == "append" {
		mode = variable.Append
	}
	if b.OutputVar == "" {
		return Outcome{}, fmt.Errorf("blocks: assign requires an output variable")
	}
	if err := ec.Vars.Set(b.OutputVar, value, mode); err != nil {
		return Outcome{}, err
	}
	return Outcome{OutputValue: value}, nil
}

// Predicate evaluates a condition expression against the variable pool. The
// expression language is implementation-defined beyond the block contract;
// this package accepts any evaluator the caller wires in.
type Predicate func(expr string, vars *variable.Pool) (bool, error)

// ExecuteIf selects a branch name ("then"/"else") based on evaluating the
// block's `condition` parameter (spec §4.9 "if").
func ExecuteIf(b dslparser.Block, vars *variable.Pool, eval Predicate) (Outcome, error) {
	cond, _ := b.Params["condition"].(string)
	ok, err := eval(cond, vars)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		return Outcome{Branch: "then"}, nil
	}
	return Outcome{Branch: "else"}, nil
}

// ExecuteFor resolves the iterable named by the block's `over` parameter
// from the variable pool and returns it for the caller (typically the
// block_stack-driven executor) to iterate, together with the loop variable
// name taken from the `as` parameter (default "item") that each element is
// bound to (spec §4.9 "for"; loop state lives in block_stack per §4.11).
func ExecuteFor(b dslparser.Block, vars *variable.Pool) ([]any, string, error) {
	overPath, _ := b.Params["over"].(string)
	loopVar, _ := b.Params["as"].(string)
	if loopVar == "" {
		loopVar = "item"
	}
	v, ok := vars.Get(overPath)
	if !ok {
		return nil, loopVar, fmt.Errorf("blocks: for: variable %q not found", overPath)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, loopVar, fmt.Errorf("blocks: for: variable %q is not a list", overPath)
	}
	return list, loopVar, nil
}

// ExecuteParallel returns one ChildSpec per string entry of the block's
// `branches` parameter (spec §4.9 "parallel"); it spawns nothing itself.
// cmd/agentrun runs each body as a prompt block in its own goroutine and
// waits for all of them; no child ExecutionFrame is created.
func ExecuteParallel(b dslparser.Block) Outcome {
	branches, _ := b.Params["branches"].([]any)
	children := make([]ChildSpec, 0, len(branches))
	for _, br := range branches {
		if s, ok := br.(string); ok {
			children = append(children, ChildSpec{Body: s})
		}
	}
	return Outcome{ChildFrames: children}
}

// runSingleTurn drains a ChatStream to completion and returns the final
// accumulated answer (ignoring tool calls, since prompt/judge never offer
// tools).
func runSingleTurn(ctx context.Context, ec ExecContext, msgs []message.Message, params map[string]any) (string, *llmdriver.Usage, error) {
	p := llmdriver.Params{}
	if model, ok := params["model"].(string); ok {
		p.Model = model
	}
	chunks, errs := ec.LLM.ChatStream(ctx, msgs, nil, p)
	var last llmdriver.Chunk
	for c := range chunks {
		last = c
	}
	if err := <-errs; err != nil {
		return "", nil, err
	}
	return last.Content, last.Usage, nil
}

// coerceOutput applies the `output` format contract (raw|json|jsonl) when
// present in params (spec §4.8 step 7, reused here for `prompt`/`judge`).
func coerceOutput(answer string, params map[string]any) any {
	format, _ := params["output"].(string)
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
	default:
		return answer
	}
}

// extractBoolOrScore parses a judge answer into a bool when it reads
// true/yes/false/no, into a float64 score when it parses as a number, and
// otherwise returns the trimmed, lower-cased answer string (spec §4.9
// "boolean/score extraction").
func extractBoolOrScore(answer string) any {
	trimmed := strings.TrimSpace(strings.ToLower(answer))
	switch trimmed {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return trimmed
}
