package variable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetDottedPath(t *testing.T) {
	p := New()
	require.NoError(t, p.Set("a.b.c", 42, Overwrite))
	v, ok := p.Get("a.b.c")
	require.True(t, ok)
	require.Equal(t, 42, v)

	_, ok = p.Get("a.b.d")
	require.False(t, ok)
}

func TestSetOverwriteVsAppend(t *testing.T) {
	p := New()
	require.NoError(t, p.Set("items", "x", Overwrite))
	require.NoError(t, p.Set("items", "y", Append))
	v, _ := p.Get("items")
	require.Equal(t, []any{"x", "y"}, v)

	require.NoError(t, p.Set("items", "z", Overwrite))
	v, _ = p.Get("items")
	require.Equal(t, "z", v)
}

func TestDelete(t *testing.T) {
	p := New()
	require.NoError(t, p.Set("a.b", 1, Overwrite))
	require.NoError(t, p.Delete("a.b"))
	_, ok := p.Get("a.b")
	require.False(t, ok)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	p := New()
	require.NoError(t, p.Set("a.b", []any{1, 2, 3}, Overwrite))
	snap := p.Snapshot()

	p2 := New()
	p2.Restore(snap)
	v, ok := p2.Get("a.b")
	require.True(t, ok)
	require.Equal(t, []any{1, 2, 3}, v)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	p := New()
	require.NoError(t, p.Set("a.b", []any{1}, Overwrite))
	snap := p.Snapshot()
	require.NoError(t, p.Set("a.b", []any{1, 2}, Overwrite))

	require.Equal(t, []any{1}, snap["a"].(map[string]any)["b"])
}

func TestGetReturnsCopyNotReference(t *testing.T) {
	p := New()
	require.NoError(t, p.Set("a.b", []any{1}, Overwrite))
	v, _ := p.Get("a.b")
	list := v.([]any)
	list[0] = "mutated"

	v2, _ := p.Get("a.b")
	require.Equal(t, []any{1}, v2)
}

func TestIsReserved(t *testing.T) {
	require.True(t, IsReserved("_progress"))
	require.True(t, IsReserved("_artifacts"))
	require.False(t, IsReserved("result"))
}

func TestConcurrentSetIsSafe(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = p.Set("counter", n, Append)
		}(i)
	}
	wg.Wait()
	v, ok := p.Get("counter")
	require.True(t, ok)
	require.Len(t, v.([]any), 100)
}

func TestStreamSubscribeReceivesUpdates(t *testing.T) {
	p := New()
	ch, unsub := p.StreamSubscribe("_progress")
	defer unsub()

	require.NoError(t, p.Set("_progress", "step1", Overwrite))
	got := <-ch
	require.Equal(t, "step1", got)
}

func TestStreamUnsubscribeClosesChannel(t *testing.T) {
	p := New()
	ch, unsub := p.StreamSubscribe("x")
	unsub()
	_, open := <-ch
	require.False(t, open)
}
