// Package skill implements the Skill Registry & Dispatcher (spec §2.3,
// §4.3): a process-wide catalogue of invocable tools plus the runtime logic
// that turns an LLM tool-call into a dispatched invocation, with
// deduplication, structured error propagation, and context-retention
// policies for how results flow back into the prompt.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"agent-runtime/toolerrors"
)

// Retention controls how a skill's result is represented when it is later
// folded back into the LLM context (spec §4.3 "on_before_send_to_context").
type Retention string

const (
	// RetentionFull inlines the complete result payload.
	RetentionFull Retention = "full"
	// RetentionSummary inlines the payload, cut down to a head and tail slice
	// plus a _get_result_detail hint when it is longer than MaxLength.
	RetentionSummary Retention = "summary"
	// RetentionPin inlines the complete payload behind PinMarker and marks
	// its cache record pinned, so LRU eviction never removes it.
	RetentionPin Retention = "pin"
	// RetentionReference inlines only a reference handle; the caller must
	// invoke the _get_result_detail skill to retrieve the payload.
	RetentionReference Retention = "reference"
)

// Spec describes one registrable skill (spec §3.1 "Skill").
type Spec struct {
	Name        string
	Description string
	Tags        []string
	ParamSchema []byte // JSON schema for the tool-call arguments
	Retention   Retention
	// MaxLength bounds the inlined text for RetentionSummary results
	// (spec §4.3 "max_length"); zero means DefaultSummaryMaxLength.
	MaxLength int
	// TTLTurns holds the skill's "ttl_turns" retention setting (spec §4.3).
	// It is stored on the Spec only: no code in this module reads it, so an
	// inlined result is never dropped back to a reference after a number of
	// turns.
	TTLTurns int
	Handler  Handler
}

// Handler executes a skill invocation and returns its result payload.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Call describes one resolved skill invocation, as dispatched from an
// Explore tool-call or a `tool` block (spec §4.3, §4.9).
type Call struct {
	ID        string // tool_call_id, see spec §4.7/§4.8
	SkillName string
	Arguments json.RawMessage
}

// Result is what the dispatcher returns for one Call.
type Result struct {
	CallID    string
	SkillName string
	Value     any
	Err       error
	Retention Retention
}

// Registry holds registered skills and resolves them by name. Registration
// is expected at startup; lookups are read-mostly and safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Spec
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Spec)}
}

// Register adds or replaces a skill. It returns an error if name is empty or
// the handler is nil.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" {
		return fmt.Errorf("skill: name must not be empty")
	}
	if s.Handler == nil {
		return fmt.Errorf("skill: %q has no handler", s.Name)
	}
	if s.Retention == "" {
		s.Retention = RetentionFull
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name] = s
	return nil
}

// Resolve looks up a skill by name.
func (r *Registry) Resolve(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// ListForAgent returns the skills available to an agent, filtered by the
// given allow-list of names (empty allowList means "all registered
// skills"). Order matches registration-independent lexical stability is not
// guaranteed; callers that need a stable function-call schema order should
// sort the result themselves.
func (r *Registry) ListForAgent(allowList []string) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(allowList) == 0 {
		out := make([]Spec, 0, len(r.skills))
		for _, s := range r.skills {
			out = append(out, s)
		}
		return out
	}
	out := make([]Spec, 0, len(allowList))
	for _, name := range allowList {
		if s, ok := r.skills[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Dispatcher invokes resolved skill calls against a Registry, deduplicating
// identical calls (see Invoke) and translating
// handler panics/errors into toolerrors.ToolError (spec §4.3).
type Dispatcher struct {
	registry *Registry

	mu      sync.Mutex
	inFlight map[string]*pending
}

type pending struct {
	done chan struct{}
	res  Result
}

// NewDispatcher constructs a Dispatcher bound to registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry, inFlight: make(map[string]*pending)}
}

// dedupeKey identifies calls that should be collapsed into a single
// invocation: same skill name and byte-identical arguments.
func dedupeKey(c Call) string {
	return c.SkillName + "\x00" + string(c.Arguments)
}

// Invoke dispatches a single skill call. If an identical call (same skill
// and arguments) was already dispatched by this Dispatcher, whether it is
// still in flight or has finished, the caller waits for and receives that
// call's result instead of re-executing the handler, until Forget clears
// the record (spec §4.3 "dedup").
func (d *Dispatcher) Invoke(ctx context.Context, call Call) Result {
	key := dedupeKey(call)

	d.mu.Lock()
	if p, ok := d.inFlight[key]; ok {
		d.mu.Unlock()
		<-p.done
		r := p.res
		r.CallID = call.ID
		return r
	}
	p := &pending{done: make(chan struct{})}
	d.inFlight[key] = p
	d.mu.Unlock()

	res := d.execute(ctx, call)
	p.res = res
	close(p.done)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, call Call) (result Result) {
	result = Result{CallID: call.ID, SkillName: call.SkillName}
	spec, ok := d.registry.Resolve(call.SkillName)
	if !ok {
		result.Err = toolerrors.Errorf("skill: unknown skill %q", call.SkillName)
		return result
	}
	result.Retention = spec.Retention

	defer func() {
		if r := recover(); r != nil {
			result.Err = toolerrors.Errorf("skill: handler for %q panicked: %v", call.SkillName, r)
		}
	}()

	value, err := spec.Handler(ctx, call.Arguments)
	if err != nil {
		result.Err = toolerrors.FromError(err)
		return result
	}
	result.Value = value
	return result
}

// Forget clears the in-flight dedup record for a call, intended for use
// once a result has been folded into context and should no longer collapse
// future distinct invocations that happen to share arguments (e.g. polling
// tools).
func (d *Dispatcher) Forget(call Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, dedupeKey(call))
}
