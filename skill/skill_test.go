package skill

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterResolveListForAgent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "a", Handler: func(ctx context.Context, args json.RawMessage) (any, error) { return "a", nil }}))
	require.NoError(t, r.Register(Spec{Name: "b", Handler: func(ctx context.Context, args json.RawMessage) (any, error) { return "b", nil }}))

	_, ok := r.Resolve("a")
	require.True(t, ok)
	_, ok = r.Resolve("missing")
	require.False(t, ok)

	all := r.ListForAgent(nil)
	require.Len(t, all, 2)

	filtered := r.ListForAgent([]string{"b"})
	require.Len(t, filtered, 1)
	require.Equal(t, "b", filtered[0].Name)
}

func TestRegisterRejectsMissingNameOrHandler(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(Spec{Handler: func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil }}))
	require.Error(t, r.Register(Spec{Name: "x"}))
}

func TestDispatchUnknownSkill(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r)
	res := d.Invoke(context.Background(), Call{ID: "c1", SkillName: "nope"})
	require.Error(t, res.Err)
}

func TestDispatchSuccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "echo", Retention: RetentionReference, Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
		return string(args), nil
	}}))
	d := NewDispatcher(r)
	res := d.Invoke(context.Background(), Call{ID: "c1", SkillName: "echo", Arguments: json.RawMessage(`"hi"`)})
	require.NoError(t, res.Err)
	require.Equal(t, `"hi"`, res.Value)
	require.Equal(t, RetentionReference, res.Retention)
}

func TestDispatchHandlerPanicBecomesToolError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "boom", Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
		panic("kaboom")
	}}))
	d := NewDispatcher(r)
	res := d.Invoke(context.Background(), Call{ID: "c1", SkillName: "boom"})
	require.Error(t, res.Err)
}

func TestDedupCollapsesIdenticalInFlightCalls(t *testing.T) {
	r := NewRegistry()
	var calls int32
	require.NoError(t, r.Register(Spec{Name: "once", Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "done", nil
	}}))
	d := NewDispatcher(r)

	done := make(chan Result, 2)
	call := Call{ID: "x", SkillName: "once", Arguments: json.RawMessage(`{}`)}
	go func() { done <- d.Invoke(context.Background(), call) }()
	go func() { done <- d.Invoke(context.Background(), call) }()

	r1 := <-done
	r2 := <-done
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestForgetAllowsReExecution(t *testing.T) {
	r := NewRegistry()
	var calls int32
	require.NoError(t, r.Register(Spec{Name: "poll", Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "x", nil
	}}))
	d := NewDispatcher(r)
	call := Call{ID: "x", SkillName: "poll", Arguments: json.RawMessage(`{}`)}
	d.Invoke(context.Background(), call)
	d.Forget(call)
	d.Invoke(context.Background(), call)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
