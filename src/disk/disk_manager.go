package disk

import (
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
)

const (
	pageSize = common.PageSize
)

func isAligned(b []byte) bool {
	if directio.AlignSize == 0 || len(b) == 0 {
		return directio.AlignSize == 0
	}
	return uintptr(unsafe.Pointer(&b[0]))&uintptr(directio.AlignSize-1) == 0
}

// DiskManager does fixed-size page I/O against a single file and keeps the
// allocation metadata in page 0. Page reads and writes use positional I/O
// and may run concurrently; allocation is serialized by mu.
type DiskManager struct {
	fileName      string
	header        *headerPageInfo
	headerRawData []byte
	maxPages      int
	directIO      bool

	mu     sync.Mutex
	closed bool

	numReads  atomic.Int64
	numWrites atomic.Int64

	fi *os.File
}

func NewDiskManager(fileName string) (*DiskManager, error) {
	return OpenDiskManager(fileName, common.DefaultOptions())
}

func OpenDiskManager(fileName string, opts common.Options) (*DiskManager, error) {
	flag := os.O_CREATE | os.O_RDWR
	if opts.SyncWrites {
		flag |= os.O_SYNC
	}
	var fi *os.File
	var err error
	if opts.DirectIO {
		fi, err = directio.OpenFile(fileName, flag, 0644)
	} else {
		fi, err = os.OpenFile(fileName, flag, 0644)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s", fileName)
	}
	if err := lockFile(fi); err != nil {
		fi.Close()
		return nil, errors.Wrapf(err, "cannot lock %s", fileName)
	}
	dm := &DiskManager{
		fileName: fileName,
		fi:       fi,
		maxPages: opts.MaxPages,
		directIO: opts.DirectIO,
	}
	if err := dm.loadHeader(); err != nil {
		unlockFile(fi)
		fi.Close()
		return nil, err
	}
	return dm, nil
}

func (dm *DiskManager) loadHeader() error {
	size, err := dm.getFileSize()
	if err != nil {
		return common.NewIOError("stat", common.HeaderPageId, err)
	}
	dm.headerRawData = directio.AlignedBlock(pageSize)
	dm.header = createHeaderPageInfo(dm.headerRawData)
	if size == 0 { // New file
		dm.header.init()
		if err := dm.writeHeaderPage(); err != nil {
			log.WithError(err).Errorf("Write header page failed.")
			return err
		}
		return nil
	}
	if size%pageSize != 0 {
		log.Warnf("File %s size %d is not a multiple of the page size.", dm.fileName, size)
	}
	if err := dm.readPageData(common.HeaderPageId, dm.headerRawData); err != nil {
		log.WithError(err).Errorf("Read header page failed.")
		return err
	}
	if !dm.header.validate() {
		return errors.Wrapf(common.ErrCorruptPage, "header page of %s", dm.fileName)
	}
	return nil
}

func (dm *DiskManager) FileName() string { return dm.fileName }

// Sync flushes written pages to stable storage.
func (dm *DiskManager) Sync() error {
	if err := fdatasync(dm.fi); err != nil {
		return common.NewIOError("sync", common.InvalidPageId, err)
	}
	return nil
}

func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return nil
	}
	dm.closed = true
	err := dm.writeHeaderPage()
	if err == nil {
		err = dm.Sync()
	}
	unlockFile(dm.fi)
	if cerr := dm.fi.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}

// AllocatePage reserves a page id, reusing the oldest deallocated one first.
// Fresh ids extend the file with a zeroed page.
func (dm *DiskManager) AllocatePage() (common.PageId, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.header.hasFreePage() {
		pageId := dm.header.popFreePage()
		if err := dm.writeHeaderPage(); err != nil {
			dm.header.pushFreePage(pageId)
			// restore the FIFO order: the id went back to the tail
			dm.rotateFreeListTail()
			return common.InvalidPageId, err
		}
		return pageId, nil
	}

	pageId := dm.header.nextPageId()
	if pageId == math.MaxInt32 || (dm.maxPages > 0 && int(pageId) >= dm.maxPages) {
		return common.InvalidPageId, errors.Wrapf(common.ErrOutOfSpace, "cannot allocate page %d", pageId)
	}
	if err := dm.writePageData(pageId, directio.AlignedBlock(pageSize)); err != nil {
		log.WithError(err).Errorf("Create new page failed.")
		return common.InvalidPageId, err
	}
	dm.header.setNextPageId(pageId + 1)
	if err := dm.writeHeaderPage(); err != nil {
		dm.header.setNextPageId(pageId)
		return common.InvalidPageId, err
	}
	return pageId, nil
}

func (dm *DiskManager) rotateFreeListTail() {
	n := dm.header.numFreePages()
	if n < 2 {
		return
	}
	last := dm.header.get(n - 1)
	for i := n - 1; i > 0; i-- {
		dm.header.set(i, dm.header.get(i-1))
	}
	dm.header.set(0, last)
}

// DeallocatePage returns the id to the free list. The page content is left
// as is.
func (dm *DiskManager) DeallocatePage(pageId common.PageId) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !pageId.IsValid() || pageId >= dm.header.nextPageId() {
		return errors.Wrapf(common.ErrInvalidPage, "cannot deallocate page %d", pageId)
	}
	if dm.header.isFree(pageId) {
		return errors.Wrapf(common.ErrInvalidPage, "page %d is already deallocated", pageId)
	}
	if !dm.header.pushFreePage(pageId) {
		return errors.Wrapf(common.ErrOutOfSpace, "free list is full, cannot deallocate page %d", pageId)
	}
	if err := dm.writeHeaderPage(); err != nil {
		dm.header.setNumFreePages(dm.header.numFreePages() - 1)
		return err
	}
	return nil
}

// ReadPage fills data (one page long) with the content of pageId.
func (dm *DiskManager) ReadPage(pageId common.PageId, data []byte) error {
	if err := dm.checkPageId(pageId, len(data)); err != nil {
		return err
	}
	return dm.readPageData(pageId, data)
}

func (dm *DiskManager) WritePage(pageId common.PageId, data []byte) error {
	if err := dm.checkPageId(pageId, len(data)); err != nil {
		return err
	}
	return dm.writePageData(pageId, data)
}

// NumPages is the extent of the file in pages, header included.
func (dm *DiskManager) NumPages() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return int(dm.header.nextPageId())
}

func (dm *DiskManager) NumFreePages() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return int(dm.header.numFreePages())
}

func (dm *DiskManager) NumReads() int64 { return dm.numReads.Load() }

func (dm *DiskManager) NumWrites() int64 { return dm.numWrites.Load() }

func (dm *DiskManager) checkPageId(pageId common.PageId, n int) error {
	if n != pageSize {
		return errors.Errorf("page buffer must be %d bytes, got %d", pageSize, n)
	}
	dm.mu.Lock()
	next := dm.header.nextPageId()
	dm.mu.Unlock()
	if !pageId.IsValid() || pageId >= next {
		return errors.Wrapf(common.ErrInvalidPage, "page %d is outside [1, %d)", pageId, next)
	}
	return nil
}

func (dm *DiskManager) getFileSize() (int64, error) {
	stat, err := dm.fi.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func (dm *DiskManager) readPageData(pageId common.PageId, data []byte) error {
	offset := int64(pageId) * pageSize
	buf := data
	if dm.directIO && !isAligned(data) {
		buf = directio.AlignedBlock(pageSize)
	}
	// ReadAt may report io.EOF together with a full page at the end of the file.
	if n, err := dm.fi.ReadAt(buf, offset); n < pageSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return common.NewIOError("read", pageId, errors.Wrapf(err, "read %d of %d bytes", n, pageSize))
	}
	if &buf[0] != &data[0] {
		copy(data, buf)
	}
	dm.numReads.Add(1)
	return nil
}

func (dm *DiskManager) writePageData(pageId common.PageId, data []byte) error {
	offset := int64(pageId) * pageSize
	buf := data
	if dm.directIO && !isAligned(data) {
		buf = directio.AlignedBlock(pageSize)
		copy(buf, data)
	}
	if _, err := dm.fi.WriteAt(buf, offset); err != nil {
		return common.NewIOError("write", pageId, err)
	}
	dm.numWrites.Add(1)
	return nil
}

func (dm *DiskManager) writeHeaderPage() error {
	dm.header.seal()
	return dm.writePageData(common.HeaderPageId, dm.headerRawData)
}
