package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-runtime/contextengine"
	"agent-runtime/frame"
	"agent-runtime/graph"
	"agent-runtime/message"
	"agent-runtime/skill"
	"agent-runtime/variable"
)

func newTestAgent(run func(ctx context.Context, blockPointer int, vars *variable.Pool) (any, bool, error)) (*Agent, *frame.Registry) {
	vars := variable.New()
	reg := skill.NewRegistry()
	frames := frame.NewRegistry(frame.NewSnapshotStore())
	recorder := graph.NewRecorder(vars)
	a := New(Config{
		AgentID:       "agent1",
		Vars:          vars,
		Skills:        reg,
		Dispatcher:    skill.NewDispatcher(reg),
		ContextEngine: contextengine.New(),
		Recorder:      recorder,
		Frames:        frames,
		RunBlock:      run,
	})
	return a, frames
}

func drain(ch <-chan Item) []Item {
	var items []Item
	for it := range ch {
		items = append(items, it)
	}
	return items
}

func TestArunLazyInitializesThenRunsToCompletion(t *testing.T) {
	a, _ := newTestAgent(func(ctx context.Context, blockPointer int, vars *variable.Pool) (any, bool, error) {
		return "final", true, nil
	})
	require.Equal(t, StateCreated, a.State())

	ch, err := a.Arun(context.Background(), "hello", StreamFull)
	require.NoError(t, err)
	items := drain(ch)
	require.NotEmpty(t, items)
	require.Equal(t, StateCompleted, a.State())
	require.Equal(t, StateCompleted, items[len(items)-1].Status)
}

func TestArunFailsOnRegularBlockError(t *testing.T) {
	a, _ := newTestAgent(func(ctx context.Context, blockPointer int, vars *variable.Pool) (any, bool, error) {
		return nil, false, context.DeadlineExceeded
	})
	ch, err := a.Arun(context.Background(), "hello", StreamFull)
	require.NoError(t, err)
	items := drain(ch)
	require.Equal(t, StateError, a.State())
	require.Equal(t, StateError, items[len(items)-1].Status)
}

func TestPauseThenResumeTransitionsBackToRunning(t *testing.T) {
	// Pause is requested from inside the first step so the pause request and
	// the frame stepping stay serialized on the same goroutine (the
	// background driveFrame loop), making the test deterministic instead of
	// racing a separately scheduled pause call against the step loop.
	var handle *frame.ResumeHandle
	var a *Agent
	step := 0
	run := func(ctx context.Context, blockPointer int, vars *variable.Pool) (any, bool, error) {
		step++
		if step == 1 {
			h, perr := a.Pause()
			require.NoError(t, perr)
			handle = h
		}
		if step < 3 {
			return nil, false, nil
		}
		return "done", true, nil
	}
	a, _ = newTestAgent(run)

	ch, err := a.Arun(context.Background(), "hello", StreamFull)
	require.NoError(t, err)
	drain(ch)

	require.Equal(t, StatePaused, a.State())
	require.NotNil(t, handle)

	rerr := a.Resume(context.Background(), handle, map[string]any{"k": "v"})
	require.NoError(t, rerr)
	require.Equal(t, StateRunning, a.State())
}

func TestTerminateEndsRun(t *testing.T) {
	a, _ := newTestAgent(func(ctx context.Context, blockPointer int, vars *variable.Pool) (any, bool, error) {
		return nil, false, nil
	})
	_, err := a.Arun(context.Background(), "hello", StreamFull)
	require.NoError(t, err)

	terr := a.Terminate()
	require.NoError(t, terr)
	require.Equal(t, StateTerminated, a.State())
}

func TestListenerReceivesStateChangedEvents(t *testing.T) {
	a, _ := newTestAgent(func(ctx context.Context, blockPointer int, vars *variable.Pool) (any, bool, error) {
		return "ok", true, nil
	})
	var seen []State
	a.OnEvent(EventStateChanged, func(e Event) { seen = append(seen, e.To) })

	ch, err := a.Arun(context.Background(), "hi", StreamFull)
	require.NoError(t, err)
	drain(ch)

	require.Contains(t, seen, StateInitialized)
	require.Contains(t, seen, StateRunning)
	require.Contains(t, seen, StateCompleted)
}

func TestContinueChatRequiresPausedState(t *testing.T) {
	a, _ := newTestAgent(nil)
	msg := message.Message{Role: message.RoleUser, Content: message.Text("hi again")}
	_, err := a.ContinueChat(context.Background(), msg, StreamFull)
	require.Error(t, err)
}
