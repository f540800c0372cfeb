// Command agentrun is a thin driver that wires the runtime's packages
// together end to end: it parses a DSL agent file, builds the collaborator
// graph (variable pool, skill registry, context engine, recorder, frame
// registry, Explore engine), and streams one agent run to stdout as JSON
// lines. Grounded on the teacher's own pattern of a small cmd/ binary built
// directly against its runtime packages rather than against generated
// code (the generated-code cmd/ variants were deleted as out of scope, see
// DESIGN.md).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/spf13/cobra"

	"agent-runtime/agent"
	"agent-runtime/blocks"
	"agent-runtime/contextengine"
	"agent-runtime/dslparser"
	"agent-runtime/explore"
	"agent-runtime/frame"
	"agent-runtime/graph"
	"agent-runtime/llmdriver"
	anthropicdriver "agent-runtime/llmdriver/anthropic"
	openaidriver "agent-runtime/llmdriver/openai"
	"agent-runtime/message"
	"agent-runtime/plan"
	"agent-runtime/resultcache"
	"agent-runtime/skill"
	"agent-runtime/telemetry"
	"agent-runtime/variable"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		query      string
		provider   string
		model      string
		streamMode string
	)

	run := &cobra.Command{
		Use:   "run [agent-file]",
		Short: "Parse and run one agent DSL file against a live LLM provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentFile(cmd.Context(), args[0], query, provider, model, agent.StreamMode(streamMode))
		},
	}
	run.Flags().StringVar(&query, "query", "", "initial user query")
	run.Flags().StringVar(&provider, "provider", "anthropic", "LLM provider: anthropic|openai")
	run.Flags().StringVar(&model, "model", "", "model identifier override")
	run.Flags().StringVar(&streamMode, "stream-mode", "full", "full|delta")
	_ = run.MarkFlagRequired("query")

	root := &cobra.Command{Use: "agentrun", Short: "Agent runtime CLI"}
	root.AddCommand(run)
	return root
}

func runAgentFile(ctx context.Context, path, query, provider, model string, mode agent.StreamMode) error {
	logger := telemetry.NewClueLogger()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("agentrun: read %s: %w", path, err)
	}
	program, err := dslparser.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("agentrun: parse %s: %w", path, err)
	}

	vars := variable.New()
	skills := skill.NewRegistry()
	dispatcher := skill.NewDispatcher(skills)
	ctxEngine := contextengine.New()
	recorder := graph.NewRecorder(vars)
	frames := frame.NewRegistry(frame.NewSnapshotStore())
	resultCache := resultcache.New(10 * 1024 * 1024)

	planReg := plan.NewRegistry(nil, func(evt plan.Event) {
		logger.Info(ctx, "plan event", "kind", evt.Kind, "plan_id", evt.PlanID, "task_id", evt.TaskID)
	})
	if err := plan.Skillkit(skills, planReg); err != nil {
		return err
	}

	llmClient, err := buildLLMClient(provider, model)
	if err != nil {
		return err
	}

	// AutoRegisterResultDetail must run after every domain skill is
	// registered so it can see whether any of them needs _get_result_detail
	// (spec §4.3); plan's skillkit is the only one registered above and
	// never uses summary/reference retention, so this is currently a
	// no-op, but it stays wired for whatever skills a real deployment adds.
	if err := skill.AutoRegisterResultDetail(skills, resultCache); err != nil {
		return err
	}

	ec := blocks.ExecContext{Vars: vars, Skills: skills, Dispatcher: dispatcher, LLM: llmClient}
	exploreEngine := &explore.Engine{
		Vars:          vars,
		Skills:        skills,
		Dispatcher:    dispatcher,
		LLM:           llmClient,
		ContextEngine: ctxEngine,
		ResultCache:   resultCache,
		Guardrail: func() (bool, bool) {
			return planReg.HasActivePlan(), planReg.AllTerminal()
		},
	}

	runBlock := func(ctx context.Context, blockPointer int, vars *variable.Pool) (any, bool, error) {
		if blockPointer >= len(program) {
			return nil, true, nil
		}
		b := program[blockPointer]
		recorder.StartBlock(fmt.Sprintf("block-%d", blockPointer), string(b.Kind))
		stageID := fmt.Sprintf("stage-%d", blockPointer)
		recorder.StartStage(stageID, string(b.Kind))

		var out any
		var execErr error
		switch b.Kind {
		case dslparser.KindPrompt:
			o, e := blocks.ExecutePrompt(ctx, ec, b)
			out, execErr = o.OutputValue, e
		case dslparser.KindJudge:
			o, e := blocks.ExecuteJudge(ctx, ec, b)
			out, execErr = o.OutputValue, e
		case dslparser.KindTool:
			o, e := blocks.ExecuteTool(ctx, ec, b)
			out, execErr = o.OutputValue, e
		case dslparser.KindAssign:
			o, e := blocks.ExecuteAssign(ec, b)
			out, execErr = o.OutputValue, e
		case dslparser.KindExplore:
			msgs, e := renderExploreMessages(b, vars)
			if e != nil {
				execErr = e
				break
			}
			out, execErr = exploreEngine.Run(ctx, msgs, explore.Params{OnStop: parseOnStop(b)})
			if execErr == nil && b.OutputVar != "" {
				execErr = vars.Set(b.OutputVar, out, variable.Overwrite)
			}
		case dslparser.KindIf:
			outcome, e := blocks.ExecuteIf(b, vars, evalCondition)
			if e != nil {
				execErr = e
				break
			}
			out = outcome.Branch
			if outcome.Branch == "then" {
				o, e := blocks.ExecutePrompt(ctx, ec, dslparser.Block{Kind: dslparser.KindPrompt, Params: b.Params, Body: b.Body})
				if e != nil {
					execErr = e
					break
				}
				out = o.OutputValue
			}
			if execErr == nil && b.OutputVar != "" {
				execErr = vars.Set(b.OutputVar, out, variable.Overwrite)
			}
		case dslparser.KindFor:
			items, loopVar, e := blocks.ExecuteFor(b, vars)
			if e != nil {
				execErr = e
				break
			}
			results := make([]any, 0, len(items))
			for _, item := range items {
				if e := vars.Set(loopVar, item, variable.Overwrite); e != nil {
					execErr = e
					break
				}
				o, e := blocks.ExecutePrompt(ctx, ec, dslparser.Block{Kind: dslparser.KindPrompt, Params: b.Params, Body: b.Body})
				if e != nil {
					execErr = e
					break
				}
				results = append(results, o.OutputValue)
			}
			out = results
			if execErr == nil && b.OutputVar != "" {
				execErr = vars.Set(b.OutputVar, out, variable.Overwrite)
			}
		case dslparser.KindParallel:
			outcome := blocks.ExecuteParallel(b)
			results := make([]any, len(outcome.ChildFrames))
			childErrs := make([]error, len(outcome.ChildFrames))
			var wg sync.WaitGroup
			for i, child := range outcome.ChildFrames {
				wg.Add(1)
				go func(i int, body string) {
					defer wg.Done()
					o, e := blocks.ExecutePrompt(ctx, ec, dslparser.Block{Kind: dslparser.KindPrompt, Body: body})
					if e != nil {
						childErrs[i] = e
						return
					}
					results[i] = o.OutputValue
				}(i, child.Body)
			}
			wg.Wait()
			for _, e := range childErrs {
				if e != nil {
					execErr = e
					break
				}
			}
			out = results
			if execErr == nil && b.OutputVar != "" {
				execErr = vars.Set(b.OutputVar, out, variable.Overwrite)
			}
		}

		if execErr != nil {
			recorder.EndStage(stageID, graph.StageFailed)
			return nil, false, execErr
		}
		recorder.EndStage(stageID, graph.StageSucceeded)
		return out, blockPointer+1 >= len(program), nil
	}

	ag := agent.New(agent.Config{
		AgentID:       "cli-agent",
		Vars:          vars,
		Skills:        skills,
		Dispatcher:    dispatcher,
		ContextEngine: ctxEngine,
		Recorder:      recorder,
		Frames:        frames,
		Blocks:        program,
		RunBlock:      runBlock,
	})

	stream, err := ag.Arun(ctx, query, mode)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for item := range stream {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func renderExploreMessages(b dslparser.Block, vars *variable.Pool) ([]message.Message, error) {
	return []message.Message{{Role: message.RoleUser, Content: message.Text(b.Body)}}, nil
}

// parseOnStop builds an explore.OnStopConfig from an `explore` block's
// `on_stop` parameter, when present (spec §4.8 step 6). Evaluator and
// RunVerifier are left nil so explore.Engine falls back to its own default
// expression evaluator / verifier-agent runner.
func parseOnStop(b dslparser.Block) *explore.OnStopConfig {
	raw, ok := b.Params["on_stop"]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	cfg := &explore.OnStopConfig{Threshold: 1}
	if v, ok := m["expression"].(string); ok {
		cfg.Expression = v
	}
	if v, ok := m["agent"].(string); ok {
		cfg.Agent = v
	}
	if v, ok := m["threshold"].(float64); ok {
		cfg.Threshold = v
	}
	if cfg.Expression == "" && cfg.Agent == "" {
		return nil
	}
	return cfg
}

// evalCondition is the `if` block's condition evaluator (spec §4.9 "if"):
// a single variable path, or a 3-token "path op literal" comparison. Like
// blocks.Predicate's doc says, the condition language is implementation
// defined beyond the block contract; this keeps it to the minimum needed
// to make branch selection exercise real variable-pool state.
func evalCondition(expr string, vars *variable.Pool) (bool, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	switch len(fields) {
	case 1:
		v, ok := vars.Get(fields[0])
		if !ok {
			return false, nil
		}
		return truthy(v), nil
	case 3:
		left, ok := vars.Get(fields[0])
		if !ok {
			return false, fmt.Errorf("agentrun: if: variable %q not found", fields[0])
		}
		return compareCondition(fields[1], left, fields[2])
	default:
		return false, fmt.Errorf("agentrun: unsupported if condition %q", expr)
	}
}

func compareCondition(op string, left any, rightLit string) (bool, error) {
	rightLit = strings.Trim(rightLit, `"`)
	if lf, ok := toFloat(left); ok {
		if rf, err := strconv.ParseFloat(rightLit, 64); err == nil {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case ">":
				return lf > rf, nil
			case "<":
				return lf < rf, nil
			case ">=":
				return lf >= rf, nil
			case "<=":
				return lf <= rf, nil
			}
		}
	}
	ls := fmt.Sprintf("%v", left)
	switch op {
	case "==":
		return ls == rightLit, nil
	case "!=":
		return ls != rightLit, nil
	default:
		return false, fmt.Errorf("agentrun: if: operator %q unsupported for non-numeric comparison", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return v != nil
	}
}

func buildLLMClient(provider, model string) (llmdriver.Client, error) {
	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("agentrun: OPENAI_API_KEY not set")
		}
		sdkClient := openaisdk.NewClient(openaioption.WithAPIKey(apiKey))
		base := openaidriver.New(&sdkClient.Chat.Completions, openaidriver.Options{DefaultModel: defaultString(model, "gpt-4o")})
		return llmdriver.NewRateLimitedClient(base, 2, 8), nil
	default:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("agentrun: ANTHROPIC_API_KEY not set")
		}
		sdkClient := sdk.NewClient(option.WithAPIKey(apiKey))
		base := anthropicdriver.New(&sdkClient.Messages, anthropicdriver.Options{DefaultModel: defaultString(model, "claude-sonnet-4-5-20250929")})
		return llmdriver.NewRateLimitedClient(base, 2, 8), nil
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
