// Package agent implements the Agent Lifecycle (spec §2.12, §4.12): the
// state machine an agent run moves through, lazy initialization, and the
// streaming run/continue/pause/resume/terminate operations layered over the
// frame engine. Grounded on runtime/agent/session/session.go's
// Session/RunMeta status vocabulary (active/ended, pending/running/paused/
// completed/failed/canceled) adapted to this spec's named states, and on
// runtime/agent/interrupt/controller.go's pause/resume signal shape
// generalized from Temporal workflow signals to direct method calls since
// this module runs a single in-process frame engine rather than a
// Temporal-backed workflow.
package agent

import (
	"context"
	"fmt"
	"sync"

	"agent-runtime/contextengine"
	"agent-runtime/dslparser"
	"agent-runtime/frame"
	"agent-runtime/graph"
	"agent-runtime/message"
	"agent-runtime/runtimeerr"
	"agent-runtime/skill"
	"agent-runtime/variable"
)

// State is one node of the agent lifecycle state machine (spec §4.12:
// "created -> initialized -> running <-> paused -> completed|terminated|error").
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateTerminated  State = "terminated"
	StateError       State = "error"
)

// validTransitions enumerates the edges the mediator allows (spec §4.12).
var validTransitions = map[State]map[State]bool{
	StateCreated:     {StateInitialized: true},
	StateInitialized: {StateRunning: true},
	StateRunning:     {StatePaused: true, StateCompleted: true, StateTerminated: true, StateError: true},
	StatePaused:      {StateRunning: true, StateTerminated: true, StateError: true},
	StateCompleted:   {},
	StateTerminated:  {},
	StateError:       {},
}

// EventKind names a lifecycle event delivered to listeners (spec §4.12:
// "init, start, complete, error, state_changed").
type EventKind string

const (
	EventInit         EventKind = "init"
	EventStart        EventKind = "start"
	EventComplete     EventKind = "complete"
	EventError        EventKind = "error"
	EventStateChanged EventKind = "state_changed"
)

// Event is delivered synchronously to listeners on every lifecycle
// transition (spec §4.12).
type Event struct {
	Kind     EventKind
	From, To State
	Err      error
}

// Listener receives lifecycle events. Delivery is synchronous: a listener
// runs on the goroutine that triggered the transition (spec §4.12: "event
// listeners ... delivered synchronously on transition").
type Listener func(Event)

// StreamMode names the stream flavour requested from arun/continue_chat
// (spec §4.12). Both modes yield the same items: every stage's Delta, which
// graph.Recorder fills on each answer update, is present next to the
// stage's full content in StreamFull and StreamDelta alike.
type StreamMode string

const (
	StreamFull  StreamMode = "full"
	StreamDelta StreamMode = "delta"
)

// Item is one element of the stream returned by arun/continue_chat.
type Item struct {
	Status   State
	Progress []graph.Block
	Result   any
}

// mediator validates and applies state transitions, notifying listeners.
type mediator struct {
	mu        sync.Mutex
	state     State
	listeners map[EventKind][]Listener
}

func newMediator() *mediator {
	return &mediator{state: StateCreated, listeners: make(map[EventKind][]Listener)}
}

func (m *mediator) on(kind EventKind, l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[kind] = append(m.listeners[kind], l)
}

func (m *mediator) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mediator) transition(to State, err error) error {
	m.mu.Lock()
	from := m.state
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		m.mu.Unlock()
		return runtimeerr.Newf(runtimeerr.KindConfig, "agent: invalid transition %s -> %s", from, to)
	}
	m.state = to
	listeners := append([]Listener{}, m.listeners[EventStateChanged]...)
	m.mu.Unlock()

	evt := Event{Kind: EventStateChanged, From: from, To: to, Err: err}
	for _, l := range listeners {
		l(evt)
	}
	m.emit(kindFor(to), evt)
	return nil
}

func kindFor(to State) EventKind {
	switch to {
	case StateInitialized:
		return EventInit
	case StateRunning:
		return EventStart
	case StateCompleted:
		return EventComplete
	case StateError:
		return EventError
	default:
		return EventStateChanged
	}
}

func (m *mediator) emit(kind EventKind, evt Event) {
	if kind == EventStateChanged {
		return // already delivered above
	}
	m.mu.Lock()
	listeners := append([]Listener{}, m.listeners[kind]...)
	m.mu.Unlock()
	evt.Kind = kind
	for _, l := range listeners {
		l(evt)
	}
}

// Config wires the collaborators one agent run needs.
type Config struct {
	AgentID       string
	Vars          *variable.Pool
	Skills        *skill.Registry
	Dispatcher    *skill.Dispatcher
	ContextEngine *contextengine.Engine
	Recorder      *graph.Recorder
	Frames        *frame.Registry
	Blocks        []dslparser.Block
	// RunBlock executes one block (prompt/judge/tool/assign/if/for/parallel
	// or an Explore invocation) and returns whether the frame reached a
	// terminal state. Left pluggable: the agent package orchestrates
	// lifecycle/frame-stepping, not block semantics (those live in
	// blocks/explore).
	RunBlock func(ctx context.Context, blockPointer int, vars *variable.Pool) (result any, done bool, err error)
}

// Agent is one runnable instance of an agent definition (spec §2.12).
type Agent struct {
	cfg      Config
	mediator *mediator

	mu           sync.Mutex
	frameID      string
	pauseReason  string
	interruptErr error
}

// New constructs an Agent in the "created" state. Initialization is lazy
// (spec §4.12: "initialize lazy (first arun/continue_chat triggers it)").
func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, mediator: newMediator()}
}

// OnEvent registers a listener for one event kind.
func (a *Agent) OnEvent(kind EventKind, l Listener) {
	a.mediator.on(kind, l)
}

// State reports the agent's current lifecycle state.
func (a *Agent) State() State { return a.mediator.current() }

func (a *Agent) ensureInitialized() error {
	if a.mediator.current() != StateCreated {
		return nil
	}
	return a.mediator.transition(StateInitialized, nil)
}

// Arun starts a new run from a query, returning a channel of stream items
// (spec §4.12 "arun(query, stream_mode) -> async stream").
func (a *Agent) Arun(ctx context.Context, query string, mode StreamMode) (<-chan Item, error) {
	if err := a.ensureInitialized(); err != nil {
		return nil, err
	}
	if err := a.mediator.transition(StateRunning, nil); err != nil {
		return nil, err
	}

	f := a.cfg.Frames.StartCoroutine(a.cfg.AgentID, query, map[string]any{"query": query})
	a.mu.Lock()
	a.frameID = f.ID
	a.mu.Unlock()

	if err := a.cfg.Vars.Set("query", query, variable.Overwrite); err != nil {
		return nil, err
	}

	out := make(chan Item, 8)
	go a.driveFrame(ctx, f.ID, mode, out)
	return out, nil
}

// ContinueChat resumes stepping the active paused frame (spec §4.12
// "continue_chat(message) -> async stream"). msg is accepted but not
// recorded: it is not appended to any bucket, variable or frame.
func (a *Agent) ContinueChat(ctx context.Context, msg message.Message, mode StreamMode) (<-chan Item, error) {
	state := a.mediator.current()
	if state != StatePaused {
		return nil, runtimeerr.Newf(runtimeerr.KindConfig, "agent: continue_chat requires paused state, got %s", state)
	}

	a.mu.Lock()
	frameID := a.frameID
	a.mu.Unlock()
	if frameID == "" {
		return nil, runtimeerr.New(runtimeerr.KindConfig, "agent: no active frame to continue")
	}
	f, ok := a.cfg.Frames.Get(frameID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindConfig, "agent: frame missing")
	}
	if f.Status == frame.StatusWaitingForIntervention {
		return nil, runtimeerr.New(runtimeerr.KindConfig, "NEED_RESUME: paused by tool interrupt, call Resume with updates")
	}

	if err := a.mediator.transition(StateRunning, nil); err != nil {
		return nil, err
	}

	out := make(chan Item, 8)
	go a.driveFrame(ctx, frameID, mode, out)
	return out, nil
}

func (a *Agent) driveFrame(ctx context.Context, frameID string, mode StreamMode, out chan<- Item) {
	defer close(out)
	var lastAnswer string

	for {
		handle, err := a.cfg.Frames.StepCoroutine(ctx, frameID, func(ctx context.Context, fr *frame.ExecutionFrame, restored any) (any, bool, error) {
			if a.cfg.RunBlock == nil {
				return restored, true, nil
			}
			return a.cfg.RunBlock(ctx, fr.BlockPointer, a.cfg.Vars)
		})
		if err != nil {
			if ui, ok := runtimeerr.AsUserInterrupt(err); ok {
				a.mu.Lock()
				a.pauseReason = ui.Reason
				a.mu.Unlock()
				a.mediator.transition(StatePaused, err)
				out <- Item{Status: StatePaused, Progress: a.cfg.Recorder.Snapshot()}
				return
			}
			a.mediator.transition(StateError, err)
			out <- Item{Status: StateError, Progress: a.cfg.Recorder.Snapshot(), Result: err.Error()}
			return
		}

		progress := a.cfg.Recorder.Snapshot()
		item := Item{Status: a.mediator.current(), Progress: progress}
		if mode == StreamDelta {
			item.Progress, lastAnswer = deltaOnly(progress, lastAnswer)
		}
		out <- item

		if handle != nil {
			// StepCoroutine transitioned the frame to a non-running terminal
			// state (paused, waiting_for_intervention) and returned a handle.
			f, _ := a.cfg.Frames.Get(frameID)
			switch f.Status {
			case frame.StatusWaitingForIntervention:
				a.mediator.transition(StatePaused, nil)
			case frame.StatusPaused:
				a.mediator.transition(StatePaused, nil)
			}
			out <- Item{Status: StatePaused, Progress: progress}
			return
		}

		f, _ := a.cfg.Frames.Get(frameID)
		if f == nil {
			return
		}
		switch f.Status {
		case frame.StatusCompleted:
			a.mediator.transition(StateCompleted, nil)
			out <- Item{Status: StateCompleted, Progress: progress, Result: resultOf(f)}
			return
		case frame.StatusFailed:
			a.mediator.transition(StateError, fmt.Errorf("frame failed"))
			out <- Item{Status: StateError, Progress: progress}
			return
		case frame.StatusTerminated:
			out <- Item{Status: StateTerminated, Progress: progress}
			return
		}
	}
}

func resultOf(f *frame.ExecutionFrame) any { return f.OriginalContent }

func deltaOnly(blocks []graph.Block, lastAnswer string) ([]graph.Block, string) {
	newLast := lastAnswer
	for _, b := range blocks {
		for _, s := range b.Progress {
			if s.Delta != "" {
				newLast = lastAnswer + s.Delta
			}
		}
	}
	return blocks, newLast
}

// Pause cooperatively pauses the active frame (spec §4.12 "pause()").
func (a *Agent) Pause() (*frame.ResumeHandle, error) {
	a.mu.Lock()
	frameID := a.frameID
	a.mu.Unlock()
	if frameID == "" {
		return nil, runtimeerr.New(runtimeerr.KindConfig, "agent: no active frame")
	}
	return a.cfg.Frames.PauseCoroutine(frameID)
}

// Resume resumes a paused frame with optional variable updates (spec §4.12
// "resume(updates?)"). Paused-by-user-interrupt runs default
// preserve_context=true: updates are merged into the existing variable
// pool rather than replacing it.
func (a *Agent) Resume(ctx context.Context, handle *frame.ResumeHandle, updates map[string]any) error {
	applied := func(payload any, updates map[string]any) any {
		for k, v := range updates {
			a.cfg.Vars.Set(k, v, variable.Overwrite)
		}
		return payload
	}
	if _, err := a.cfg.Frames.ResumeCoroutine(handle, updates, applied); err != nil {
		return err
	}
	return a.mediator.transition(StateRunning, nil)
}

// Terminate cancels the active frame and its children (spec §4.12
// "terminate()").
func (a *Agent) Terminate() error {
	a.mu.Lock()
	frameID := a.frameID
	a.mu.Unlock()
	if frameID != "" {
		a.cfg.Frames.Terminate(frameID)
	}
	state := a.mediator.current()
	if state == StateCompleted || state == StateError || state == StateTerminated {
		return nil
	}
	return a.mediator.transition(StateTerminated, nil)
}
