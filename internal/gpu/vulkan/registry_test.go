package vulkan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryHandlesStartAtOne(t *testing.T) {
	var r registry[string]
	first := r.add("a")
	second := r.add("b")
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)

	item, ok := r.get(first)
	require.True(t, ok)
	require.Equal(t, "a", item)

	_, ok = r.get(0)
	require.False(t, ok)
}

func TestRegistryRemoveDoesNotReuseHandles(t *testing.T) {
	var r registry[int]
	h := r.add(7)

	item, ok := r.remove(h)
	require.True(t, ok)
	require.Equal(t, 7, item)
	require.Equal(t, 0, r.len())

	_, ok = r.remove(h)
	require.False(t, ok)
	require.NotEqual(t, h, r.add(8))
}

func TestRegistrySetIgnoresUnknownHandles(t *testing.T) {
	var r registry[int]
	h := r.add(1)

	r.set(h, 2)
	r.set(h+1, 3)

	item, _ := r.get(h)
	require.Equal(t, 2, item)
	require.Equal(t, 1, r.len())
}
