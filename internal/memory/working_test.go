package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkingMemory_SetGet(t *testing.T) {
	wm := NewWorkingMemory(4)

	wm.Set("ctx", map[string]any{"task": "current"})
	got, ok := wm.Get("ctx")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"task": "current"}, got)

	_, ok = wm.Get("missing")
	assert.False(t, ok)
}

func TestWorkingMemory_EvictsOldestAtCapacity(t *testing.T) {
	wm := NewWorkingMemory(3)

	for i := 0; i < 3; i++ {
		wm.Set(fmt.Sprintf("k%d", i), map[string]any{})
	}
	// Touch k0 so k1 becomes the least recently used.
	_, ok := wm.Get("k0")
	require.True(t, ok)

	wm.Set("k3", map[string]any{})

	assert.Equal(t, 3, wm.Len())
	_, ok = wm.Get("k1")
	assert.False(t, ok)
	_, ok = wm.Get("k0")
	assert.True(t, ok)
	_, ok = wm.Get("k3")
	assert.True(t, ok)
}

func TestWorkingMemory_UpdateDoesNotEvict(t *testing.T) {
	wm := NewWorkingMemory(2)

	wm.Set("a", 1)
	wm.Set("b", map[string]any{})
	wm.Set("a", 2)

	assert.Equal(t, 2, wm.Len())
	got, ok := wm.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestWorkingMemory_DeleteAndClear(t *testing.T) {
	wm := NewWorkingMemory(0) // falls back to the default capacity

	assert.Equal(t, DefaultWorkingCapacity, wm.Capacity())

	wm.Set("a", map[string]any{})
	wm.Set("b", map[string]any{})
	wm.Delete("a")
	_, ok := wm.Get("a")
	assert.False(t, ok)

	wm.Clear()
	assert.Zero(t, wm.Len())
	assert.Empty(t, wm.Keys())
}
