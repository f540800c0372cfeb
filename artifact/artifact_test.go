package artifact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutFirstVersionIsCreated(t *testing.T) {
	s := New()
	evt := s.Put("report", "v1 content", "first draft")
	require.Equal(t, "created", evt.Action)
	require.Equal(t, 1, evt.Version)
}

func TestPutSecondVersionIsUpdated(t *testing.T) {
	s := New()
	s.Put("report", "v1", "first")
	evt := s.Put("report", "v2", "second")
	require.Equal(t, "updated", evt.Action)
	require.Equal(t, 2, evt.Version)
}

func TestGetReturnsLatestVersion(t *testing.T) {
	s := New()
	s.Put("report", "v1", "first")
	s.Put("report", "v2", "second")
	a, ok := s.Get("report")
	require.True(t, ok)
	require.Equal(t, "v2", a.Content)
	require.Equal(t, 2, a.Version)
}

func TestGetVersionReturnsSpecificVersion(t *testing.T) {
	s := New()
	s.Put("report", "v1", "first")
	s.Put("report", "v2", "second")
	a, err := s.GetVersion("report", 1)
	require.NoError(t, err)
	require.Equal(t, "v1", a.Content)
}

func TestGetVersionErrorsOnUnknownVersion(t *testing.T) {
	s := New()
	s.Put("report", "v1", "first")
	_, err := s.GetVersion("report", 99)
	require.Error(t, err)
}

func TestDeleteRemovesArtifact(t *testing.T) {
	s := New()
	s.Put("report", "v1", "first")
	evt := s.Delete("report")
	require.Equal(t, "deleted", evt.Action)
	_, ok := s.Get("report")
	require.False(t, ok)
}

func TestListReturnsLatestVersionOfEach(t *testing.T) {
	s := New()
	s.Put("a", 1, "")
	s.Put("a", 2, "")
	s.Put("b", "x", "")
	list := s.List()
	require.Len(t, list, 2)
}
