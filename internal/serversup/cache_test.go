package serversup

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func populateWith(content string) Populate {
	return func(dir string) error {
		return os.WriteFile(dir+"/marker", []byte(content), 0o644)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(dir, 3)
	require.NoError(t, err)

	for _, name := range []string{"A", "B", "C", "D"} {
		_, err := cache.Create(name, populateWith(name))
		require.NoError(t, err)
	}

	_, err = os.Stat(dir + "/A")
	require.True(t, os.IsNotExist(err), "A should have been evicted")
	for _, name := range []string{"B", "C", "D"} {
		_, err := os.Stat(dir + "/" + name)
		require.NoError(t, err, "%s should still exist", name)
	}

	require.True(t, cache.Exists("B"))

	_, err = cache.Create("E", populateWith("E"))
	require.NoError(t, err)

	_, err = os.Stat(dir + "/C")
	require.True(t, os.IsNotExist(err), "C should have been evicted after B was bumped")
	_, err = os.Stat(dir + "/B")
	require.NoError(t, err, "B should still exist, it was bumped to most-recent")
}

func TestCache_CreateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(dir, 5)
	require.NoError(t, err)

	calls := 0
	populate := func(staging string) error {
		calls++
		return os.WriteFile(staging+"/marker", []byte("x"), 0o644)
	}

	p1, err := cache.Create("A", populate)
	require.NoError(t, err)
	p2, err := cache.Create("A", populate)
	require.NoError(t, err)

	require.Equal(t, p1, p2)
	require.Equal(t, 1, calls, "populate must not be invoked again for an existing entry")
}

func TestMatchLine(t *testing.T) {
	m, ok := MatchLine("Extension host agent listening on 12345")
	require.True(t, ok)
	require.Equal(t, MatchPort, m.Kind)
	require.EqualValues(t, 12345, m.Port)

	m, ok = MatchLine("Extension host agent listening on /tmp/foo.sock")
	require.True(t, ok)
	require.Equal(t, MatchPath, m.Kind)
	require.Equal(t, "/tmp/foo.sock", m.Path)

	_, ok = MatchLine("some unrelated log line")
	require.False(t, ok)
}
