package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agent-runtime/variable"
)

func TestProgressSyncsToVariable(t *testing.T) {
	vars := variable.New()
	r := NewRecorder(vars)
	r.StartBlock("b1", "explore")
	r.StartStage("s1", "llm")
	r.UpdateStage("s1", map[string]any{"answer": "hello"})
	r.EndStage("s1", StageSucceeded)

	v, ok := vars.Get("_progress")
	require.True(t, ok)
	list := v.([]any)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	require.Equal(t, "succeeded", entry["status"])
}

func TestDeltaComputedAgainstPreviousAnswer(t *testing.T) {
	vars := variable.New()
	r := NewRecorder(vars)
	r.StartBlock("b1", "explore")
	r.StartStage("s1", "llm")
	r.UpdateStage("s1", map[string]any{"answer": "hel"})
	r.UpdateStage("s1", map[string]any{"answer": "hello"})

	v, _ := vars.Get("_progress")
	entry := v.([]any)[0].(map[string]any)
	require.Equal(t, "lo", entry["delta"])
}

func TestSubscriberReceivesStages(t *testing.T) {
	vars := variable.New()
	r := NewRecorder(vars)
	ch, unsub := r.Subscribe()
	defer unsub()

	r.StartBlock("b1", "explore")
	r.StartStage("s1", "llm")

	got := <-ch
	require.Equal(t, "s1", got.ID)
	require.Equal(t, StageRunning, got.Status)
}

func TestSnapshotReflectsCurrentTree(t *testing.T) {
	vars := variable.New()
	r := NewRecorder(vars)
	r.StartBlock("b1", "explore")
	r.StartStage("s1", "llm")
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Progress, 1)
}
