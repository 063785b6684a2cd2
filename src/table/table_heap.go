package table

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
	"pagestore/src/disk"
)

// ErrEmptyRecord is returned for zero length records, which a slotted page
// cannot tell apart from deleted ones.
var ErrEmptyRecord = errors.New("empty record")

// TableHeap stores variable length records in slotted pages. A directory
// page lists every data page with the space it has left. Latches are taken
// data page first, directory second.
type TableHeap struct {
	bufferPoolManager *disk.BufferPoolManager
	headerPageId      common.PageId
}

// NewTableHeap allocates the directory page of an empty heap.
func NewTableHeap(bufferPoolManager *disk.BufferPoolManager) (*TableHeap, error) {
	guard, err := bufferPoolManager.NewPageGuarded()
	if err != nil {
		log.WithError(err).Errorf("Cannot create table heap header page.")
		return nil, err
	}
	createHeapFileHeader(guard.Data()).init()
	guard.MarkDirty()
	th := &TableHeap{
		bufferPoolManager: bufferPoolManager,
		headerPageId:      guard.PageId(),
	}
	guard.Release()
	return th, nil
}

// OpenTableHeap opens the heap whose directory is headerPageId.
func OpenTableHeap(bufferPoolManager *disk.BufferPoolManager, headerPageId common.PageId) (*TableHeap, error) {
	th := &TableHeap{
		bufferPoolManager: bufferPoolManager,
		headerPageId:      headerPageId,
	}
	guard, _, err := th.readHeader()
	if err != nil {
		return nil, err
	}
	guard.Release()
	return th, nil
}

func (th *TableHeap) HeaderPageId() common.PageId { return th.headerPageId }

func (th *TableHeap) readHeader() (*disk.ReadPageGuard, *heapFileHeader, error) {
	guard, err := th.bufferPoolManager.FetchPageRead(th.headerPageId)
	if err != nil {
		return nil, nil, err
	}
	header := createHeapFileHeader(guard.Data())
	if err := header.check(th.headerPageId); err != nil {
		guard.Release()
		return nil, nil, err
	}
	return guard, header, nil
}

func (th *TableHeap) writeHeader() (*disk.WritePageGuard, *heapFileHeader, error) {
	guard, err := th.bufferPoolManager.FetchPageWrite(th.headerPageId)
	if err != nil {
		return nil, nil, err
	}
	header := createHeapFileHeader(guard.Data())
	if err := header.check(th.headerPageId); err != nil {
		guard.Release()
		return nil, nil, err
	}
	return guard, header, nil
}

// contains reports whether pageId is one of the heap's data pages.
func (th *TableHeap) contains(pageId common.PageId) (bool, error) {
	guard, header, err := th.readHeader()
	if err != nil {
		return false, err
	}
	defer guard.Release()
	_, ok := header.getPageInfo(pageId)
	return ok, nil
}

// updateLeftSpace records the free space of a data page the caller holds
// write latched.
func (th *TableHeap) updateLeftSpace(tablePage *TablePage) error {
	guard, header, err := th.writeHeader()
	if err != nil {
		return err
	}
	defer guard.Release()
	header.setPageInfo(tablePage.pageId(), pageInfo{
		pageId:    tablePage.pageId(),
		leftSpace: tablePage.getFreeSpaceForInsert(),
	})
	guard.MarkDirty()
	return nil
}

// Insert stores record in the first page with room, or in a new page.
func (th *TableHeap) Insert(record []byte) (common.RID, error) {
	if len(record) == 0 {
		return common.RID{}, ErrEmptyRecord
	}
	if len(record) > MaxRecordSize {
		return common.RID{}, errors.Wrapf(common.ErrValueTooLarge, "record of %d bytes, limit %d", len(record), MaxRecordSize)
	}
	for {
		rid, ok, err := th.tryInsert(record)
		if err != nil || ok {
			return rid, err
		}
	}
}

func (th *TableHeap) tryInsert(record []byte) (common.RID, bool, error) {
	guard, header, err := th.readHeader()
	if err != nil {
		return common.RID{}, false, err
	}
	target := common.InvalidPageId
	for _, info := range header.getPageInfoList() {
		if int(info.leftSpace) >= len(record) {
			target = info.pageId
			break
		}
	}
	guard.Release()

	if target == common.InvalidPageId {
		return th.insertIntoNewPage(record)
	}
	rid, ok, err := th.insertIntoPage(record, target)
	if err == nil && !ok {
		log.Warnf("Insert a record of length %d into page %d failed.", len(record), target)
	}
	return rid, ok, err
}

func (th *TableHeap) insertIntoPage(record []byte, pageId common.PageId) (common.RID, bool, error) {
	guard, err := th.bufferPoolManager.FetchPageWrite(pageId)
	if err != nil {
		return common.RID{}, false, err
	}
	defer guard.Release()
	tablePage := createTablePage(guard.Data())
	if err := tablePage.check(pageId); err != nil {
		return common.RID{}, false, err
	}
	rid, ok := tablePage.Insert(record)
	if !ok {
		return common.RID{}, false, nil
	}
	guard.MarkDirty()
	return rid, true, th.updateLeftSpace(tablePage)
}

func (th *TableHeap) insertIntoNewPage(record []byte) (common.RID, bool, error) {
	guard, err := th.bufferPoolManager.NewPageGuarded()
	if err != nil {
		return common.RID{}, false, err
	}
	pageId := guard.PageId()
	tablePage := createTablePage(guard.Data())
	tablePage.init(pageId, int32(len(guard.Data())))
	rid, _ := tablePage.Insert(record) // fits an empty page

	headerGuard, header, err := th.writeHeader()
	if err == nil {
		if header.pushPageInfo(pageInfo{pageId: pageId, leftSpace: tablePage.getFreeSpaceForInsert()}) {
			headerGuard.MarkDirty()
		} else {
			err = errors.Wrapf(common.ErrOutOfSpace, "heap directory %d is full", th.headerPageId)
		}
		headerGuard.Release()
	}
	guard.Release()
	if err != nil {
		if derr := th.bufferPoolManager.DeletePage(pageId); derr != nil {
			log.WithError(derr).Warnf("Cannot give back page %d.", pageId)
		}
		return common.RID{}, false, err
	}
	log.WithField("page_id", pageId).Debug("Added table heap page.")
	return rid, true, nil
}

// Get returns a copy of the record at rid.
func (th *TableHeap) Get(rid common.RID) ([]byte, error) {
	ok, err := th.contains(rid.PageId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(common.ErrRecordNotFound, "rid %s", rid.String())
	}

	guard, err := th.bufferPoolManager.FetchPageRead(rid.PageId)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	tablePage := createTablePage(guard.Data())
	if err := tablePage.check(rid.PageId); err != nil {
		return nil, err
	}
	data, found := tablePage.Get(rid)
	if !found {
		return nil, errors.Wrapf(common.ErrRecordNotFound, "rid %s", rid.String())
	}
	return data, nil
}

// Delete removes the record at rid. Its slot is reused by later inserts.
func (th *TableHeap) Delete(rid common.RID) error {
	ok, err := th.contains(rid.PageId)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(common.ErrRecordNotFound, "rid %s", rid.String())
	}

	guard, err := th.bufferPoolManager.FetchPageWrite(rid.PageId)
	if err != nil {
		return err
	}
	defer guard.Release()
	tablePage := createTablePage(guard.Data())
	if err := tablePage.check(rid.PageId); err != nil {
		return err
	}
	if !tablePage.Delete(rid) {
		return errors.Wrapf(common.ErrRecordNotFound, "rid %s", rid.String())
	}
	guard.MarkDirty()
	return th.updateLeftSpace(tablePage)
}

// Scan calls fn for every record, page by page, until fn returns false.
// record is only valid during the call.
func (th *TableHeap) Scan(fn func(rid common.RID, record []byte) bool) error {
	guard, header, err := th.readHeader()
	if err != nil {
		return err
	}
	pages := header.getPageInfoList()
	guard.Release()

	for _, info := range pages {
		pageGuard, err := th.bufferPoolManager.FetchPageRead(info.pageId)
		if err != nil {
			return err
		}
		tablePage := createTablePage(pageGuard.Data())
		if err := tablePage.check(info.pageId); err != nil {
			pageGuard.Release()
			return err
		}
		more := true
		tablePage.Records(func(rid common.RID, record []byte) bool {
			more = fn(rid, record)
			return more
		})
		pageGuard.Release()
		if !more {
			return nil
		}
	}
	return nil
}
