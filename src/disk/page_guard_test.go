package disk

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"pagestore/src/common"
)

func TestPageGuard_Write(t *testing.T) {
	bpm := newTestBufferPool(t, 2, NewLRUKReplacer(2, 2))

	guard, err := bpm.NewPageGuarded()
	require.Nil(t, err)
	pageId := guard.PageId()
	guard.Data()[0] = 42
	guard.Release()
	guard.Release()

	frame := &bpm.pages[bpm.pageTable[pageId]]
	require.Equal(t, 0, frame.PinCount())
	require.True(t, frame.IsDirty())
	require.Nil(t, bpm.FlushPage(pageId))

	guard, err = bpm.FetchPageWrite(pageId)
	require.Nil(t, err)
	require.Equal(t, byte(42), guard.Data()[0])
	guard.Release()
	require.False(t, frame.IsDirty(), "not marked dirty")

	guard, err = bpm.FetchPageWrite(pageId)
	require.Nil(t, err)
	guard.Data()[0] = 43
	guard.MarkDirty()
	guard.Release()
	require.True(t, frame.IsDirty())
}

func TestPageGuard_Read(t *testing.T) {
	bpm := newTestBufferPool(t, 2, NewLRUKReplacer(2, 2))

	guard, err := bpm.NewPageGuarded()
	require.Nil(t, err)
	pageId := guard.PageId()
	guard.Release()

	// Read latches are shared.
	first, err := bpm.FetchPageRead(pageId)
	require.Nil(t, err)
	second, err := bpm.FetchPageRead(pageId)
	require.Nil(t, err)
	require.Equal(t, pageId, second.PageId())
	frame := &bpm.pages[bpm.pageTable[pageId]]
	require.Equal(t, 2, frame.PinCount())

	first.Release()
	second.Release()
	second.Release()
	require.Equal(t, 0, frame.PinCount())

	var nilGuard *ReadPageGuard
	nilGuard.Release()
}

func TestPageGuard_Exhausted(t *testing.T) {
	bpm := newTestBufferPool(t, 1, NewLRUKReplacer(1, 2))

	guard, err := bpm.NewPageGuarded()
	require.Nil(t, err)
	_, err = bpm.NewPageGuarded()
	require.True(t, errors.Is(err, common.ErrBufferPoolExhausted))
	guard.Release()

	second, err := bpm.NewPageGuarded()
	require.Nil(t, err)
	second.Release()
}
