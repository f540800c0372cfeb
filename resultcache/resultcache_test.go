package resultcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(0)
	c.Put(Record{Ref: "r1", Value: "hello", Bytes: 5})
	rec, ok := c.Get("r1")
	require.True(t, ok)
	require.Equal(t, "hello", rec.Value)
}

func TestEvictsLeastRecentlyUsedWhenOverBudget(t *testing.T) {
	c := New(10)
	c.Put(Record{Ref: "a", Value: "a", Bytes: 5})
	c.Put(Record{Ref: "b", Value: "b", Bytes: 5})
	// touch a so b becomes LRU
	c.Get("a")
	c.Put(Record{Ref: "c", Value: "c", Bytes: 5})

	_, bOK := c.Get("b")
	_, aOK := c.Get("a")
	_, cOK := c.Get("c")
	require.False(t, bOK)
	require.True(t, aOK)
	require.True(t, cOK)
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	c := New(10)
	c.Put(Record{Ref: "a", Value: "a", Bytes: 5, Pinned: true})
	c.Put(Record{Ref: "b", Value: "b", Bytes: 5})
	c.Put(Record{Ref: "c", Value: "c", Bytes: 5})

	_, aOK := c.Get("a")
	require.True(t, aOK, "pinned entries must not be evicted")
}

func TestUnpinAllowsEviction(t *testing.T) {
	c := New(10)
	c.Put(Record{Ref: "a", Value: "a", Bytes: 5, Pinned: true})
	require.True(t, c.Unpin("a"))
	c.Put(Record{Ref: "b", Value: "b", Bytes: 5})
	c.Put(Record{Ref: "c", Value: "c", Bytes: 5})

	_, aOK := c.Get("a")
	require.False(t, aOK)
}

func TestDeleteRemovesPinnedToo(t *testing.T) {
	c := New(0)
	c.Put(Record{Ref: "a", Value: "a", Bytes: 5, Pinned: true})
	c.Delete("a")
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestLen(t *testing.T) {
	c := New(0)
	c.Put(Record{Ref: "a", Bytes: 1})
	c.Put(Record{Ref: "b", Bytes: 1})
	require.Equal(t, 2, c.Len())
}
