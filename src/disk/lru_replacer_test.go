package disk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pagestore/src/common"
)

func newFullLRUReplacer(n int) *LRUReplacer {
	replacer := NewLRUReplacer()
	for i := 0; i < n; i++ {
		replacer.RecordAccess(common.FrameId(i))
		replacer.SetEvictable(common.FrameId(i), true)
	}
	return replacer
}

func TestLRUReplacer_RecordAccess(t *testing.T) {
	replacer := NewLRUReplacer()

	for i := 0; i < 10; i++ {
		replacer.RecordAccess(common.FrameId(i))
		require.Equal(t, common.FrameId(i), replacer.dataList.Front().Value.(*lruEntry).frameId)
		require.Contains(t, replacer.index, common.FrameId(i))
	}
	require.Equal(t, 0, replacer.Size())
}

func TestLRUReplacer_Remove(t *testing.T) {
	replacer := newFullLRUReplacer(10)

	replacer.Remove(5)
	require.NotContains(t, replacer.index, common.FrameId(5))
	require.Equal(t, 9, replacer.Size())
	elem4 := replacer.index[4]
	elem6 := replacer.index[6]
	require.Equal(t, elem6.Next(), elem4)
}

func TestLRUReplacer_Victim(t *testing.T) {
	replacer := newFullLRUReplacer(10)
	for i := 0; i < 10; i++ {
		frameId, ok := replacer.Victim()
		require.Equal(t, true, ok)
		require.Equal(t, common.FrameId(i), frameId)
	}
	_, ok := replacer.Victim()
	require.Equal(t, false, ok)
}

func TestLRUReplacer_Hybrid(t *testing.T) {
	replacer := newFullLRUReplacer(10)
	replacer.Remove(0)
	replacer.Remove(3)
	replacer.Remove(5)
	replacer.SetEvictable(1, false)

	frameId, ok := replacer.Victim()
	require.Equal(t, true, ok)
	require.Equal(t, common.FrameId(2), frameId)
	frameId, ok = replacer.Victim()
	require.Equal(t, true, ok)
	require.Equal(t, common.FrameId(4), frameId)

	// Touching 6 moves it behind 9.
	replacer.RecordAccess(6)
	replacer.SetEvictable(1, true)
	for _, expected := range []common.FrameId{1, 7, 8, 9, 6} {
		frameId, ok = replacer.Victim()
		require.Equal(t, true, ok)
		require.Equal(t, expected, frameId)
	}
	require.Equal(t, 0, replacer.Size())
}
