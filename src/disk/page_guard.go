package disk

import (
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
)

// ReadPageGuard holds a pin and the read latch of a page until Release.
type ReadPageGuard struct {
	bpm  *BufferPoolManager
	page *Page
}

// WritePageGuard holds a pin and the write latch of a page until Release.
// The page is unpinned dirty if MarkDirty was called.
type WritePageGuard struct {
	bpm   *BufferPoolManager
	page  *Page
	dirty bool
}

func (bpm *BufferPoolManager) FetchPageRead(pageId common.PageId) (*ReadPageGuard, error) {
	page, err := bpm.FetchPage(pageId)
	if err != nil {
		return nil, err
	}
	page.RLock()
	return &ReadPageGuard{bpm: bpm, page: page}, nil
}

func (bpm *BufferPoolManager) FetchPageWrite(pageId common.PageId) (*WritePageGuard, error) {
	page, err := bpm.FetchPage(pageId)
	if err != nil {
		return nil, err
	}
	page.Lock()
	return &WritePageGuard{bpm: bpm, page: page}, nil
}

// NewPageGuarded allocates a page and returns it write latched and dirty.
func (bpm *BufferPoolManager) NewPageGuarded() (*WritePageGuard, error) {
	page, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	page.Lock()
	return &WritePageGuard{bpm: bpm, page: page, dirty: true}, nil
}

func (g *ReadPageGuard) PageId() common.PageId { return g.page.PageId() }

func (g *ReadPageGuard) Data() []byte { return g.page.Data() }

// Release is safe to call more than once.
func (g *ReadPageGuard) Release() {
	if g == nil || g.page == nil {
		return
	}
	page := g.page
	g.page = nil
	page.RUnlock()
	if err := g.bpm.UnpinPage(page.PageId(), false); err != nil {
		log.WithError(err).Errorf("Cannot release read guard of page %d.", page.PageId())
	}
}

// Detach drops the read latch but keeps the pin, which the caller now owns
// and must give back with UnpinPage.
func (g *ReadPageGuard) Detach() *Page {
	page := g.page
	g.page = nil
	page.RUnlock()
	return page
}

func (g *WritePageGuard) PageId() common.PageId { return g.page.PageId() }

func (g *WritePageGuard) Data() []byte { return g.page.Data() }

func (g *WritePageGuard) MarkDirty() { g.dirty = true }

// Release is safe to call more than once.
func (g *WritePageGuard) Release() {
	if g == nil || g.page == nil {
		return
	}
	page := g.page
	g.page = nil
	page.Unlock()
	if err := g.bpm.UnpinPage(page.PageId(), g.dirty); err != nil {
		log.WithError(err).Errorf("Cannot release write guard of page %d.", page.PageId())
	}
}
