package table

import (
	"strings"
	"testing"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"pagestore/src/common"
)

const (
	pageSize = 4096
)

// records splits a comma separated list; an empty item is a deleted record.
func records(list string) [][]byte {
	var out [][]byte
	for _, item := range strings.Split(list, ",") {
		out = append(out, []byte(item))
	}
	return out
}

// newPageWithRecords lays records out the way inserts would have.
func newPageWithRecords(t *testing.T, list string) *TablePage {
	page := createTablePage(directio.AlignedBlock(pageSize))
	page.init(common.PageId(1), pageSize)
	buf := page.getRecordRawSlice()
	offset := int32(pageSize)
	for _, record := range records(list) {
		offset -= int32(len(record))
		page.pushRecordSlot(RecordSlot{offset: offset})
		copy(buf[offset:], record)
	}
	require.Nil(t, page.check(common.PageId(1)))
	return page
}

func requireRecords(t *testing.T, page *TablePage, list string) {
	expected := records(list)
	require.Equal(t, len(expected), page.numRecords())
	for i, record := range expected {
		require.Equal(t, record, page.getRecord(i), "record %d", i)
	}
}

func TestTablePage_Slots(t *testing.T) {
	data := directio.AlignedBlock(pageSize)
	page := createTablePage(data)
	page.init(common.PageId(7), pageSize)
	require.Equal(t, common.PageId(7), page.pageId())
	require.Equal(t, int32(pageSize), page.getRecordStartOffset())

	for i := 0; i < 10; i++ {
		page.pushRecordSlot(RecordSlot{offset: int32(i)})
	}
	for i := 0; i < 10; i++ {
		page.setRecordSlot(i, RecordSlot{offset: int32(100 - i)})
	}

	// The slots live in the page bytes, not in the view.
	again := createTablePage(data)
	require.Equal(t, 10, again.numRecords())
	for i := 0; i < 10; i++ {
		require.Equal(t, int32(100-i), again.getRecordSlot(i).offset)
	}
	require.Equal(t, int32(91), again.getRecordStartOffset())
	require.Equal(t, int32(91-tablePageHeaderSize-10*RecordSlotSize), again.getFreeSpace())
}

func TestTablePage_GetInsertIndex(t *testing.T) {
	for _, tc := range []struct {
		records  string
		expected int
	}{
		{"hello,world", 2},
		{",world", 0},
		{"hello,world,,alice", 2},
		{"hello,,,world,,alice", 1},
		{"hello,world,alice,", 3},
	} {
		page := newPageWithRecords(t, tc.records)
		require.Equal(t, tc.expected, page.getInsertIndex(), tc.records)
	}
}

func TestTablePage_MoveBackRecords(t *testing.T) {
	for startIndex := 0; startIndex < 3; startIndex++ {
		page := newPageWithRecords(t, "hello,world,alice")
		before := []int32{page.getRecordOffset(0), page.getRecordOffset(1), page.getRecordOffset(2)}

		start := page.moveBackRecords(startIndex, 4)
		require.Equal(t, int(before[startIndex])-4, start)

		buf := page.getRecordRawSlice()
		for i, record := range records("hello,world,alice") {
			offset := page.getRecordOffset(i)
			if i <= startIndex {
				require.Equal(t, before[i], offset)
			} else {
				require.Equal(t, before[i]-4, offset)
			}
			require.Equal(t, record, buf[offset:int(offset)+len(record)])
		}
	}
}

func TestTablePage_Insert(t *testing.T) {
	for _, tc := range []struct {
		records  string
		expected string
		slot     int
	}{
		{"hello,world,alice", "hello,world,alice,bob", 3},
		{",world,alice", "bob,world,alice", 0},
		{"hello,,alice", "hello,bob,alice", 1},
		{"hello,world,", "hello,world,bob", 2},
		{"hello,world,,,alice", "hello,world,bob,,alice", 2},
	} {
		page := newPageWithRecords(t, tc.records)
		rid, ok := page.Insert([]byte("bob"))
		require.True(t, ok)
		require.Equal(t, common.RID{PageId: common.PageId(1), SlotNum: tc.slot}, rid)
		requireRecords(t, page, tc.expected)
		require.Nil(t, page.check(common.PageId(1)))
	}
}

func TestTablePage_Get(t *testing.T) {
	page := newPageWithRecords(t, "hello,world,,alice")

	data, ok := page.Get(common.RID{PageId: common.PageId(1), SlotNum: 3})
	require.True(t, ok)
	require.Equal(t, []byte("alice"), data)
	// Callers own the copy.
	data[0] = 'X'
	requireRecords(t, page, "hello,world,,alice")

	for _, slot := range []int{2, 4, -1} {
		data, ok = page.Get(common.RID{PageId: common.PageId(1), SlotNum: slot})
		require.False(t, ok)
		require.Nil(t, data)
	}
}

func TestTablePage_Delete(t *testing.T) {
	for _, tc := range []struct {
		records  string
		slot     int
		expected string
		ok       bool
	}{
		{"hello,world,alice", 1, "hello,,alice", true},
		{"hello,world,alice", 0, ",world,alice", true},
		{"hello,world,alice", 3, "hello,world,alice", false},
		{"hello,,alice", 1, "hello,,alice", false},
	} {
		page := newPageWithRecords(t, tc.records)
		free := page.getFreeSpace()
		require.Equal(t, tc.ok, page.Delete(common.RID{PageId: common.PageId(1), SlotNum: tc.slot}))
		requireRecords(t, page, tc.expected)
		if tc.ok {
			require.Equal(t, free+5, page.getFreeSpace())
		}
	}
}

func TestTablePage_Check(t *testing.T) {
	page := newPageWithRecords(t, "hello,,alice")

	// Wrong page id.
	require.True(t, errors.Is(page.check(common.PageId(2)), common.ErrCorruptPage))

	// A slot pointing into the slot array.
	page.setRecordSlot(2, RecordSlot{offset: 4})
	require.True(t, errors.Is(page.check(common.PageId(1)), common.ErrCorruptPage))

	// Zeroed data is not a table page.
	require.True(t, errors.Is(createTablePage(make([]byte, pageSize)).check(common.PageId(1)), common.ErrCorruptPage))
}

func TestTablePage_FillAndRecords(t *testing.T) {
	page := createTablePage(directio.AlignedBlock(pageSize))
	page.init(common.PageId(1), pageSize)

	record := make([]byte, 100)
	var rids []common.RID
	for {
		rid, ok := page.Insert(record)
		if !ok {
			break
		}
		rids = append(rids, rid)
	}
	// Each record takes its bytes and one slot.
	require.Len(t, rids, (pageSize-tablePageHeaderSize)/(100+RecordSlotSize))
	require.Less(t, page.getFreeSpaceForInsert(), int32(100))

	require.True(t, page.Delete(rids[3]))
	require.True(t, page.Delete(rids[5]))
	rid, ok := page.Insert([]byte("x"))
	require.True(t, ok)
	require.Equal(t, 3, rid.SlotNum)

	var slots []int
	page.Records(func(rid common.RID, record []byte) bool {
		slots = append(slots, rid.SlotNum)
		return true
	})
	require.Len(t, slots, len(rids)-1)
	require.NotContains(t, slots, 5)

	// A full sized record fits an empty page.
	page.init(common.PageId(1), pageSize)
	_, ok = page.Insert(make([]byte, MaxRecordSize))
	require.True(t, ok)
	require.Equal(t, int32(0), page.getFreeSpace())
}
