package disk

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
)

// BufferPoolManager caches pages in a fixed set of frames. The page table,
// free list, pin counts and replacer are guarded by mu, which is never held
// across disk I/O: a frame being read is published with a loading channel
// that other fetchers wait on, and a dirty victim stays mapped and pinned
// while it is written back.
type BufferPoolManager struct {
	size        int
	pages       []Page
	replacer    Replacer
	freeList    list.List
	pageTable   map[common.PageId]common.FrameId
	diskManager *DiskManager
	mu          sync.Mutex

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	PoolSize      int
	Resident      int
	Pinned        int
	Dirty         int
	Hits          int64
	Misses        int64
	Evictions     int64
	DiskReads     int64
	DiskWrites    int64
	FilePages     int
	FreeFilePages int
}

func NewBufferPoolManager(size int, diskManager *DiskManager, replacer Replacer) *BufferPoolManager {
	bpm := &BufferPoolManager{
		size:        size,
		pages:       make([]Page, size),
		replacer:    replacer,
		pageTable:   make(map[common.PageId]common.FrameId),
		diskManager: diskManager,
	}
	for i := 0; i < size; i++ {
		bpm.pages[i].data = directio.AlignedBlock(pageSize)
		bpm.pages[i].reset()
		bpm.freeList.PushBack(common.FrameId(i))
	}
	return bpm
}

// OpenBufferPoolManager opens (or creates) opts.Path and builds a pool over it.
func OpenBufferPoolManager(opts common.Options) (*BufferPoolManager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	dm, err := OpenDiskManager(opts.Path, opts)
	if err != nil {
		return nil, err
	}
	replacer, err := NewReplacer(opts, opts.PoolSize)
	if err != nil {
		dm.Close()
		return nil, err
	}
	return NewBufferPoolManager(opts.PoolSize, dm, replacer), nil
}

func (bpm *BufferPoolManager) Size() int { return bpm.size }

func (bpm *BufferPoolManager) DiskManager() *DiskManager { return bpm.diskManager }

// FetchPage returns the page pinned. The caller must UnpinPage it exactly once.
func (bpm *BufferPoolManager) FetchPage(pageId common.PageId) (*Page, error) {
	if !pageId.IsValid() {
		return nil, errors.Wrapf(common.ErrInvalidPage, "cannot fetch page %d", pageId)
	}

	bpm.mu.Lock()
	for {
		if frameId, ok := bpm.pageTable[pageId]; ok {
			page := &bpm.pages[frameId]
			bpm.pinLocked(frameId, page, true)
			loading := page.loading
			bpm.mu.Unlock()
			bpm.hits.Add(1)
			if loading != nil {
				return bpm.waitLoaded(frameId, page, loading)
			}
			return page, nil
		}
		frameId, ok, err := bpm.acquireFrameLocked()
		if err != nil {
			bpm.mu.Unlock()
			return nil, err
		}
		if !ok {
			// mu was released, the page may have been loaded meanwhile
			continue
		}
		return bpm.loadPage(frameId, pageId)
	}
}

// mu is held on entry and released on return.
func (bpm *BufferPoolManager) loadPage(frameId common.FrameId, pageId common.PageId) (*Page, error) {
	page := &bpm.pages[frameId]
	page.pageId = pageId
	page.pinCount.Store(1)
	loading := make(chan struct{})
	page.loading = loading
	bpm.pageTable[pageId] = frameId
	bpm.replacer.RecordAccess(frameId)
	bpm.replacer.SetEvictable(frameId, false)
	bpm.mu.Unlock()
	bpm.misses.Add(1)

	err := bpm.diskManager.ReadPage(pageId, page.data)

	bpm.mu.Lock()
	page.loadErr = err
	page.loading = nil
	if err != nil {
		log.WithError(err).Warnf("Cannot read page %d from disk.", pageId)
		delete(bpm.pageTable, pageId)
		page.pageId = common.InvalidPageId
		bpm.releaseFailedLocked(frameId, page)
	}
	bpm.mu.Unlock()
	close(loading)

	if err != nil {
		return nil, err
	}
	return page, nil
}

func (bpm *BufferPoolManager) waitLoaded(frameId common.FrameId, page *Page, loading chan struct{}) (*Page, error) {
	<-loading
	if err := page.loadErr; err != nil {
		bpm.mu.Lock()
		bpm.releaseFailedLocked(frameId, page)
		bpm.mu.Unlock()
		return nil, err
	}
	return page, nil
}

// NewPage allocates a page on disk and returns it pinned with a zeroed buffer.
// The page starts dirty so the zeroed content reaches disk.
func (bpm *BufferPoolManager) NewPage() (*Page, error) {
	bpm.mu.Lock()
	frameId, err := bpm.reserveFrameLocked()
	bpm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	newPageId, err := bpm.diskManager.AllocatePage()
	if err != nil {
		log.WithError(err).Errorf("Allocate page failed.")
		bpm.mu.Lock()
		bpm.freeList.PushBack(frameId)
		bpm.mu.Unlock()
		return nil, err
	}

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	page := &bpm.pages[frameId]
	page.zero()
	page.pageId = newPageId
	page.pinCount.Store(1)
	page.isDirty.Store(true)
	bpm.pageTable[newPageId] = frameId
	bpm.replacer.RecordAccess(frameId)
	bpm.replacer.SetEvictable(frameId, false)
	return page, nil
}

// UnpinPage drops one pin. Once the count reaches zero the frame may be evicted.
func (bpm *BufferPoolManager) UnpinPage(pageId common.PageId, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameId, ok := bpm.pageTable[pageId]
	if !ok {
		log.Warnf("Trying to unpin page %d, but the page is not in the buffer.", pageId)
		return errors.Wrapf(common.ErrPageNotResident, "unpin page %d", pageId)
	}
	page := &bpm.pages[frameId]
	if page.PinCount() <= 0 {
		log.Errorf("Trying to unpin a page %d, but page's pin count is zero.", pageId)
		return errors.Wrapf(common.ErrPinUnderflow, "unpin page %d", pageId)
	}
	if isDirty {
		page.isDirty.Store(true)
	}
	bpm.unpinLocked(frameId, page)
	return nil
}

// FlushPage writes the page if it is dirty. Pages not in the pool are
// ignored. The caller must not hold the page's write latch.
func (bpm *BufferPoolManager) FlushPage(pageId common.PageId) error {
	bpm.mu.Lock()
	frameId, ok := bpm.pageTable[pageId]
	if !ok {
		bpm.mu.Unlock()
		return nil
	}
	page := &bpm.pages[frameId]
	if page.loading != nil {
		// still being read, so it cannot be dirty
		bpm.mu.Unlock()
		return nil
	}
	bpm.pinLocked(frameId, page, false)
	bpm.mu.Unlock()

	err := bpm.flushFrame(page)

	bpm.mu.Lock()
	bpm.unpinLocked(frameId, page)
	bpm.mu.Unlock()
	return err
}

// FlushAllPages writes every dirty resident page. It keeps going after a
// failure and returns the first error.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	frames := make([]common.FrameId, 0, len(bpm.pageTable))
	for _, frameId := range bpm.pageTable {
		page := &bpm.pages[frameId]
		if page.loading != nil || !page.IsDirty() {
			continue
		}
		bpm.pinLocked(frameId, page, false)
		frames = append(frames, frameId)
	}
	bpm.mu.Unlock()

	var firstErr error
	for _, frameId := range frames {
		if err := bpm.flushFrame(&bpm.pages[frameId]); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	bpm.mu.Lock()
	for _, frameId := range frames {
		bpm.unpinLocked(frameId, &bpm.pages[frameId])
	}
	bpm.mu.Unlock()
	return firstErr
}

// DeletePage drops the page from the pool and deallocates it on disk.
func (bpm *BufferPoolManager) DeletePage(pageId common.PageId) error {
	bpm.mu.Lock()
	if frameId, ok := bpm.pageTable[pageId]; ok {
		page := &bpm.pages[frameId]
		if page.PinCount() > 0 {
			bpm.mu.Unlock()
			return errors.Wrapf(common.ErrPagePinned, "cannot delete page %d", pageId)
		}
		delete(bpm.pageTable, pageId)
		bpm.replacer.Remove(frameId)
		page.reset()
		bpm.freeList.PushBack(frameId)
	}
	bpm.mu.Unlock()
	return bpm.diskManager.DeallocatePage(pageId)
}

// Close flushes every dirty page and closes the disk manager.
func (bpm *BufferPoolManager) Close() error {
	err := bpm.FlushAllPages()
	if cerr := bpm.diskManager.Close(); err == nil {
		err = cerr
	}
	return err
}

func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	s := Stats{
		PoolSize: bpm.size,
		Resident: len(bpm.pageTable),
	}
	for _, frameId := range bpm.pageTable {
		page := &bpm.pages[frameId]
		if page.PinCount() > 0 {
			s.Pinned++
		}
		if page.IsDirty() {
			s.Dirty++
		}
	}
	bpm.mu.Unlock()
	s.Hits = bpm.hits.Load()
	s.Misses = bpm.misses.Load()
	s.Evictions = bpm.evictions.Load()
	s.DiskReads = bpm.diskManager.NumReads()
	s.DiskWrites = bpm.diskManager.NumWrites()
	s.FilePages = bpm.diskManager.NumPages()
	s.FreeFilePages = bpm.diskManager.NumFreePages()
	return s
}

func (bpm *BufferPoolManager) flushFrame(page *Page) error {
	page.RLock()
	defer page.RUnlock()

	if !page.isDirty.Swap(false) {
		return nil
	}
	if err := bpm.diskManager.WritePage(page.pageId, page.data); err != nil {
		page.isDirty.Store(true)
		log.WithError(err).Errorf("Cannot flush page %d.", page.pageId)
		return err
	}
	return nil
}

func (bpm *BufferPoolManager) reserveFrameLocked() (common.FrameId, error) {
	for {
		frameId, ok, err := bpm.acquireFrameLocked()
		if err != nil {
			return 0, err
		}
		if ok {
			return frameId, nil
		}
	}
}

// A false ok means mu was released to write back a dirty victim.
func (bpm *BufferPoolManager) acquireFrameLocked() (common.FrameId, bool, error) {
	frameId, found := bpm.findAvailablePage()
	if !found {
		log.Warnf("Buffer pool is full.")
		return 0, false, common.ErrBufferPoolExhausted
	}
	page := &bpm.pages[frameId]
	if page.pageId == common.InvalidPageId {
		return frameId, true, nil
	}
	if !page.IsDirty() {
		bpm.evictLocked(frameId, page)
		return frameId, true, nil
	}

	oldPageId := page.pageId
	page.pinCount.Add(1)
	page.isDirty.Store(false)
	bpm.replacer.RecordAccess(frameId)
	bpm.replacer.SetEvictable(frameId, false)
	bpm.mu.Unlock()

	page.RLock()
	err := bpm.diskManager.WritePage(oldPageId, page.data)
	page.RUnlock()

	bpm.mu.Lock()
	if err != nil {
		page.isDirty.Store(true)
		log.WithError(err).Errorf("Cannot write page %d back.", oldPageId)
	} else {
		log.WithFields(log.Fields{"page_id": oldPageId, "frame_id": frameId}).Debug("Wrote back victim page.")
	}
	bpm.unpinLocked(frameId, page)
	return 0, false, err
}

func (bpm *BufferPoolManager) findAvailablePage() (common.FrameId, bool) {
	if bpm.freeList.Len() == 0 {
		return bpm.replacer.Victim()
	}
	elem := bpm.freeList.Front()
	frameId := elem.Value.(common.FrameId)
	bpm.freeList.Remove(elem)
	return frameId, true
}

func (bpm *BufferPoolManager) evictLocked(frameId common.FrameId, page *Page) {
	log.WithFields(log.Fields{"page_id": page.pageId, "frame_id": frameId}).Debug("Evicted page.")
	delete(bpm.pageTable, page.pageId)
	page.reset()
	bpm.evictions.Add(1)
}

func (bpm *BufferPoolManager) pinLocked(frameId common.FrameId, page *Page, access bool) {
	page.pinCount.Add(1)
	if access {
		bpm.replacer.RecordAccess(frameId)
	}
	bpm.replacer.SetEvictable(frameId, false)
}

func (bpm *BufferPoolManager) unpinLocked(frameId common.FrameId, page *Page) {
	if page.pinCount.Add(-1) == 0 {
		bpm.replacer.SetEvictable(frameId, true)
	}
}

func (bpm *BufferPoolManager) releaseFailedLocked(frameId common.FrameId, page *Page) {
	if page.pinCount.Add(-1) == 0 {
		bpm.replacer.Remove(frameId)
		page.reset()
		bpm.freeList.PushBack(frameId)
	}
}
