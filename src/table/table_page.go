package table

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"pagestore/src/common"
)

// TablePage is a slotted page. Records are packed from the end of the page
// towards the slot array, in slot order, so record i spans
// [offset(i), offset(i-1)). A deleted record keeps its slot with size zero
// and the slot is reused by the next insert.
//
//	| page id | page size | num records | slot 0 | slot 1 | ... free ... | rec 1 | rec 0 |
type TablePage struct {
	data []byte
}

// RecordSlot holds the start offset of a record.
type RecordSlot struct {
	offset int32
}

const (
	tablePageIdOffset     = 0
	tablePageSizeOffset   = 4
	tableNumRecordsOffset = 8
	tablePageHeaderSize   = 12

	RecordSlotSize = 4

	// MaxRecordSize is the largest record an empty page can hold.
	MaxRecordSize = common.PageSize - tablePageHeaderSize - RecordSlotSize
)

func createTablePage(data []byte) *TablePage {
	return &TablePage{data: data}
}

func (tp *TablePage) init(pageId common.PageId, pageSize int32) {
	binary.LittleEndian.PutUint32(tp.data[tablePageIdOffset:], uint32(pageId))
	binary.LittleEndian.PutUint32(tp.data[tablePageSizeOffset:], uint32(pageSize))
	tp.setNumRecords(0)
}

func (tp *TablePage) pageId() common.PageId {
	return common.PageId(int32(binary.LittleEndian.Uint32(tp.data[tablePageIdOffset:])))
}

func (tp *TablePage) pageSize() int32 {
	return int32(binary.LittleEndian.Uint32(tp.data[tablePageSizeOffset:]))
}

func (tp *TablePage) numRecords() int {
	return int(binary.LittleEndian.Uint32(tp.data[tableNumRecordsOffset:]))
}

func (tp *TablePage) setNumRecords(n int) {
	binary.LittleEndian.PutUint32(tp.data[tableNumRecordsOffset:], uint32(n))
}

// check validates the header and the slot array of a page read from disk.
func (tp *TablePage) check(pageId common.PageId) error {
	if tp.pageId() != pageId || int(tp.pageSize()) != len(tp.data) {
		return errors.Wrapf(common.ErrCorruptPage, "page %d is not a table page", pageId)
	}
	n := tp.numRecords()
	if tablePageHeaderSize+n*RecordSlotSize > len(tp.data) {
		return errors.Wrapf(common.ErrCorruptPage, "page %d: %d slots overflow the page", pageId, n)
	}
	prev := tp.pageSize()
	for i := 0; i < n; i++ {
		offset := tp.getRecordOffset(i)
		if offset > prev || int(offset) < tablePageHeaderSize+n*RecordSlotSize {
			return errors.Wrapf(common.ErrCorruptPage, "page %d: slot %d points at %d", pageId, i, offset)
		}
		prev = offset
	}
	return nil
}

func (tp *TablePage) getRecordRawSlice() []byte {
	return tp.data[:tp.pageSize()]
}

func (tp *TablePage) slotPos(i int) int {
	return tablePageHeaderSize + i*RecordSlotSize
}

func (tp *TablePage) getRecordOffset(i int) int32 {
	return int32(binary.LittleEndian.Uint32(tp.data[tp.slotPos(i):]))
}

func (tp *TablePage) getRecordSlot(i int) RecordSlot {
	return RecordSlot{offset: tp.getRecordOffset(i)}
}

func (tp *TablePage) setRecordSlot(i int, slot RecordSlot) {
	binary.LittleEndian.PutUint32(tp.data[tp.slotPos(i):], uint32(slot.offset))
}

func (tp *TablePage) getRecordSize(i int) int32 {
	endOffset := tp.pageSize()
	if i > 0 {
		endOffset = tp.getRecordOffset(i - 1)
	}
	return endOffset - tp.getRecordOffset(i)
}

func (tp *TablePage) pushRecordSlot(slot RecordSlot) {
	n := tp.numRecords() + 1
	tp.setNumRecords(n)
	tp.setRecordSlot(n-1, slot)
}

func (tp *TablePage) getRecordStartOffset() int32 {
	if n := tp.numRecords(); n >= 1 {
		return tp.getRecordOffset(n - 1)
	}
	return tp.pageSize()
}

func (tp *TablePage) getFreeSpace() int32 {
	return tp.getRecordStartOffset() - int32(tp.slotPos(tp.numRecords()))
}

// getFreeSpaceForInsert is the largest record that fits with a new slot.
func (tp *TablePage) getFreeSpaceForInsert() int32 {
	return tp.getFreeSpace() - RecordSlotSize
}

// getInsertIndex returns the first empty slot, or the slot after the last.
func (tp *TablePage) getInsertIndex() int {
	prevRecordOffset := tp.pageSize()
	n := tp.numRecords()
	for i := 0; i < n; i++ {
		offset := tp.getRecordOffset(i)
		if offset == prevRecordOffset {
			return i
		}
		prevRecordOffset = offset
	}
	return n
}

// moveBackRecords shifts the records after startIndex size bytes towards the
// slot array (away from it for a negative size) and returns the start
// offset of the space opened for record startIndex.
func (tp *TablePage) moveBackRecords(startIndex int, size int) int {
	n := tp.numRecords()
	if startIndex == n {
		return int(tp.getRecordStartOffset()) - size
	}
	copyStartOffset := int(tp.getRecordStartOffset())
	copyEndOffset := int(tp.getRecordOffset(startIndex))
	if copyStartOffset != copyEndOffset {
		buf := tp.getRecordRawSlice()
		copy(buf[copyStartOffset-size:copyEndOffset-size], buf[copyStartOffset:copyEndOffset])
	}

	for i := startIndex + 1; i < n; i++ {
		slot := tp.getRecordSlot(i)
		slot.offset -= int32(size)
		tp.setRecordSlot(i, slot)
	}
	return copyEndOffset - size
}

// Insert stores record and reports false when the page lacks room.
func (tp *TablePage) Insert(record []byte) (common.RID, bool) {
	if tp.getFreeSpace() < int32(RecordSlotSize+len(record)) {
		return common.RID{}, false
	}
	recordLen := len(record)

	index := tp.getInsertIndex()
	newRecordStartOffset := tp.moveBackRecords(index, recordLen)
	buf := tp.getRecordRawSlice()
	copy(buf[newRecordStartOffset:newRecordStartOffset+recordLen], record)

	if index == tp.numRecords() {
		tp.pushRecordSlot(RecordSlot{offset: int32(newRecordStartOffset)})
	} else {
		tp.setRecordSlot(index, RecordSlot{offset: int32(newRecordStartOffset)})
	}
	return common.RID{
		PageId:  tp.pageId(),
		SlotNum: index,
	}, true
}

// Delete frees the space of the record at rid and reports whether there
// was one.
func (tp *TablePage) Delete(rid common.RID) bool {
	if rid.SlotNum < 0 || rid.SlotNum >= tp.numRecords() {
		return false
	}
	size := tp.getRecordSize(rid.SlotNum)
	if size == 0 {
		return false
	}
	tp.moveBackRecords(rid.SlotNum, -int(size))

	slot := tp.getRecordSlot(rid.SlotNum)
	slot.offset += size
	tp.setRecordSlot(rid.SlotNum, slot)
	return true
}

func (tp *TablePage) getRecord(i int) []byte {
	endOffset := tp.pageSize()
	if i > 0 {
		endOffset = tp.getRecordOffset(i - 1)
	}
	return tp.getRecordRawSlice()[tp.getRecordOffset(i):endOffset]
}

// Get returns a copy of the record at rid.
func (tp *TablePage) Get(rid common.RID) ([]byte, bool) {
	if rid.SlotNum < 0 || rid.SlotNum >= tp.numRecords() {
		return nil, false
	}
	data := tp.getRecord(rid.SlotNum)
	if len(data) == 0 {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Records calls fn for every live record in slot order until fn returns
// false.
func (tp *TablePage) Records(fn func(rid common.RID, record []byte) bool) {
	pageId := tp.pageId()
	for i := 0; i < tp.numRecords(); i++ {
		data := tp.getRecord(i)
		if len(data) == 0 {
			continue
		}
		if !fn(common.RID{PageId: pageId, SlotNum: i}, data) {
			return
		}
	}
}
