package plan

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agent-runtime/skill"
	"agent-runtime/variable"
)

func TestPlanTasksRejectsDuplicateIDs(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.PlanTasks(context.Background(), "p1", []Spec{{ID: "a"}, {ID: "a"}}, ModeSequential, 1)
	require.Error(t, err)
}

func TestPlanTasksRejectsCycles(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.PlanTasks(context.Background(), "p1", []Spec{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}, ModeSequential, 1)
	require.Error(t, err)
}

func TestSequentialModeRunsOneAtATime(t *testing.T) {
	var concurrent, maxConcurrent int
	run := func(ctx context.Context, task *Task) (any, error) {
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		defer func() { concurrent-- }()
		return task.ID + "-done", nil
	}
	r := NewRegistry(run, nil)
	err := r.PlanTasks(context.Background(), "p1", []Spec{{ID: "a"}, {ID: "b"}, {ID: "c"}}, ModeSequential, 1)
	require.NoError(t, err)
	require.Equal(t, 1, maxConcurrent)
	require.True(t, r.AllTerminal())
}

func TestDependenciesGateScheduling(t *testing.T) {
	var order []string
	run := func(ctx context.Context, task *Task) (any, error) {
		order = append(order, task.ID)
		return nil, nil
	}
	r := NewRegistry(run, nil)
	err := r.PlanTasks(context.Background(), "p1", []Spec{
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "a"},
	}, ModeSequential, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestCheckProgressReportsCounts(t *testing.T) {
	run := func(ctx context.Context, task *Task) (any, error) { return "ok", nil }
	r := NewRegistry(run, nil)
	require.NoError(t, r.PlanTasks(context.Background(), "p1", []Spec{{ID: "a"}, {ID: "b"}}, ModeSequential, 1))
	summary := r.CheckProgress()
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 2, summary.Counts[TaskCompleted])
}

func TestGetTaskOutputRequiresCompletion(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.PlanTasks(context.Background(), "p1", []Spec{{ID: "a"}}, ModeSequential, 1))
	// no runner configured, task finishes failed
	_, err := r.GetTaskOutput("a")
	require.Error(t, err)
}

func TestRetryTaskResetsFailedTask(t *testing.T) {
	attempts := 0
	run := func(ctx context.Context, task *Task) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, context.DeadlineExceeded
		}
		return "recovered", nil
	}
	r := NewRegistry(run, nil)
	require.NoError(t, r.PlanTasks(context.Background(), "p1", []Spec{{ID: "a"}}, ModeSequential, 1))
	summary := r.CheckProgress()
	require.Equal(t, TaskFailed, summary.Tasks[0].Status)

	require.NoError(t, r.RetryTask(context.Background(), "a"))
	out, err := r.GetTaskOutput("a")
	require.NoError(t, err)
	require.Equal(t, "recovered", out)
}

func TestKillTaskCancelsPendingTask(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.PlanTasks(context.Background(), "p1", []Spec{{ID: "a", DependsOn: []string{"never"}}}, ModeSequential, 1))
	require.NoError(t, r.KillTask("a"))
	summary := r.CheckProgress()
	require.Equal(t, TaskCancelled, summary.Tasks[0].Status)
}

func TestChildPoolReadsThroughWritesLocal(t *testing.T) {
	parent := variable.New()
	require.NoError(t, parent.Set("shared", "parent-value", variable.Overwrite))
	child := NewChildPool(parent)

	v, ok := child.Get("shared")
	require.True(t, ok)
	require.Equal(t, "parent-value", v)

	require.NoError(t, child.Set("shared", "child-value", variable.Overwrite))
	v, _ = child.Get("shared")
	require.Equal(t, "child-value", v)

	pv, _ := parent.Get("shared")
	require.Equal(t, "parent-value", pv)
}

func TestChildPoolMergeToParentPromotesNamedKeys(t *testing.T) {
	parent := variable.New()
	child := NewChildPool(parent)
	require.NoError(t, child.Set("result", "x", variable.Overwrite))
	require.NoError(t, child.MergeToParent([]string{"result"}))
	v, ok := parent.Get("result")
	require.True(t, ok)
	require.Equal(t, "x", v)
}

func TestFilterForSubtaskExcludesPlanAndTaggedSkills(t *testing.T) {
	reg := skill.NewRegistry()
	require.NoError(t, reg.Register(skill.Spec{Name: "search", Handler: func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil }}))
	require.NoError(t, reg.Register(skill.Spec{Name: "internal", Tags: []string{ExcludeFromSubtask}, Handler: func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil }}))
	require.NoError(t, Skillkit(reg, NewRegistry(nil, nil)))

	filtered := FilterForSubtask(reg)
	_, hasSearch := filtered.Resolve("search")
	_, hasInternal := filtered.Resolve("internal")
	_, hasPlanTasks := filtered.Resolve("_plan_tasks")
	require.True(t, hasSearch)
	require.False(t, hasInternal)
	require.False(t, hasPlanTasks)
}

func TestCooperativeSleepRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := cooperativeSleep(ctx, 5)
	require.Error(t, err)
}
