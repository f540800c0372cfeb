package frame

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-runtime/runtimeerr"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewSnapshotStore())
}

func TestStartCoroutineCreatesRunningFrame(t *testing.T) {
	r := newTestRegistry()
	f := r.StartCoroutine("agent1", "body", map[string]any{"x": 1})
	require.Equal(t, StatusRunning, f.Status)
	require.Equal(t, 0, f.Version)
}

func TestStepCoroutineCompletesOnDone(t *testing.T) {
	r := newTestRegistry()
	f := r.StartCoroutine("agent1", "body", "payload")
	handle, err := r.StepCoroutine(context.Background(), f.ID, func(ctx context.Context, fr *ExecutionFrame, restored any) (any, bool, error) {
		return restored, true, nil
	})
	require.NoError(t, err)
	require.Nil(t, handle)
	got, _ := r.Get(f.ID)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, 1, got.Version)
}

func TestStepCoroutineToolInterruptReturnsResumeHandle(t *testing.T) {
	r := newTestRegistry()
	f := r.StartCoroutine("agent1", "body", "payload")
	handle, err := r.StepCoroutine(context.Background(), f.ID, func(ctx context.Context, fr *ExecutionFrame, restored any) (any, bool, error) {
		return restored, false, &runtimeerr.ToolInterrupt{Tool: "approve", Reason: "needs human"}
	})
	require.NoError(t, err)
	require.NotNil(t, handle)
	got, _ := r.Get(f.ID)
	require.Equal(t, StatusWaitingForIntervention, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "ToolInterrupt", got.Error.Kind)
}

func TestStepCoroutineRegularErrorFailsFrame(t *testing.T) {
	r := newTestRegistry()
	f := r.StartCoroutine("agent1", "body", "payload")
	_, err := r.StepCoroutine(context.Background(), f.ID, func(ctx context.Context, fr *ExecutionFrame, restored any) (any, bool, error) {
		return restored, false, errors.New("boom")
	})
	require.Error(t, err)
	got, _ := r.Get(f.ID)
	require.Equal(t, StatusFailed, got.Status)
}

func TestPauseThenResume(t *testing.T) {
	r := newTestRegistry()
	f := r.StartCoroutine("agent1", "body", "payload")
	handle, err := r.PauseCoroutine(f.ID)
	require.NoError(t, err)

	_, err = r.StepCoroutine(context.Background(), f.ID, func(ctx context.Context, fr *ExecutionFrame, restored any) (any, bool, error) {
		t.Fatal("step should not execute once paused")
		return nil, false, nil
	})
	require.NoError(t, err)
	got, _ := r.Get(f.ID)
	require.Equal(t, StatusPaused, got.Status)

	resumed, err := r.ResumeCoroutine(handle, map[string]any{"k": "v"}, func(payload any, updates map[string]any) any {
		return updates
	})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, resumed.Status)
}

func TestResumeHandleRejectsReplay(t *testing.T) {
	r := newTestRegistry()
	f := r.StartCoroutine("agent1", "body", "payload")
	handle, _ := r.PauseCoroutine(f.ID)
	r.StepCoroutine(context.Background(), f.ID, func(ctx context.Context, fr *ExecutionFrame, restored any) (any, bool, error) {
		return restored, false, nil
	})

	_, err := r.ResumeCoroutine(handle, nil, func(payload any, updates map[string]any) any { return payload })
	require.NoError(t, err)

	_, err = r.ResumeCoroutine(handle, nil, func(payload any, updates map[string]any) any { return payload })
	require.Error(t, err)
}

func TestTerminatePropagatesToChildren(t *testing.T) {
	r := newTestRegistry()
	parent := r.StartCoroutine("agent1", "body", nil)
	child := r.SpawnChild(parent.ID, "agent1", nil, PolicyOneForOne, RetryPolicy{})
	r.Terminate(parent.ID)

	gotParent, _ := r.Get(parent.ID)
	gotChild, _ := r.Get(child.ID)
	require.Equal(t, StatusTerminated, gotParent.Status)
	require.Equal(t, StatusTerminated, gotChild.Status)
}
