package disk

import (
	"container/list"
	"sync"

	"pagestore/src/common"
)

type lruEntry struct {
	frameId   common.FrameId
	evictable bool
}

// LRUReplacer keeps every tracked frame in access order, most recent at the
// front, and evicts from the back.
type LRUReplacer struct {
	dataList       list.List
	index          map[common.FrameId]*list.Element
	evictableCount int
	mu             sync.Mutex
}

func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		index: make(map[common.FrameId]*list.Element),
	}
}

func (lru *LRUReplacer) Victim() (common.FrameId, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	for elem := lru.dataList.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*lruEntry)
		if !entry.evictable {
			continue
		}
		lru.dataList.Remove(elem)
		delete(lru.index, entry.frameId)
		lru.evictableCount--
		return entry.frameId, true
	}
	return 0, false
}

func (lru *LRUReplacer) RecordAccess(frameId common.FrameId) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.index[frameId]; ok {
		lru.dataList.MoveToFront(elem)
		return
	}
	lru.index[frameId] = lru.dataList.PushFront(&lruEntry{frameId: frameId})
}

func (lru *LRUReplacer) SetEvictable(frameId common.FrameId, evictable bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, ok := lru.index[frameId]
	if !ok {
		return
	}
	entry := elem.Value.(*lruEntry)
	if entry.evictable == evictable {
		return
	}
	entry.evictable = evictable
	if evictable {
		lru.evictableCount++
	} else {
		lru.evictableCount--
	}
}

func (lru *LRUReplacer) Remove(frameId common.FrameId) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.index[frameId]; !ok {
		return
	} else {
		if elem.Value.(*lruEntry).evictable {
			lru.evictableCount--
		}
		lru.dataList.Remove(elem)
		delete(lru.index, frameId)
	}
}

func (lru *LRUReplacer) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictableCount
}
