package disk

import (
	"sync"
	"sync/atomic"

	"pagestore/src/common"
)

// Page is a buffer pool frame. The embedded RWMutex is the content latch;
// only callers holding a pin may take it. pageId and the load state are
// owned by the BufferPoolManager and change only under its lock.
type Page struct {
	data     []byte
	pageId   common.PageId
	pinCount atomic.Int32
	isDirty  atomic.Bool
	sync.RWMutex

	// loading is non-nil while the content is being read from disk; it is
	// closed once loadErr is set.
	loading chan struct{}
	loadErr error
}

func (p *Page) Data() []byte { return p.data }

func (p *Page) PageId() common.PageId { return p.pageId }

func (p *Page) PinCount() int { return int(p.pinCount.Load()) }

func (p *Page) IsDirty() bool { return p.isDirty.Load() }

func (p *Page) reset() {
	p.pageId = common.InvalidPageId
	p.pinCount.Store(0)
	p.isDirty.Store(false)
	p.loading = nil
	p.loadErr = nil
}

func (p *Page) zero() {
	for i := range p.data {
		p.data[i] = 0
	}
}
