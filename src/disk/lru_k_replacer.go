package disk

import (
	"sync"

	"pagestore/src/common"
)

type lruKNode struct {
	// history holds the last k access timestamps, oldest first.
	history   []uint64
	evictable bool
}

// LRUKReplacer evicts the frame whose k-th most recent access is furthest in
// the past. Frames with fewer than k accesses have an infinite backward
// k-distance and go first, oldest first access first. Timestamps come from a
// logical clock so eviction order depends only on the access sequence.
type LRUKReplacer struct {
	nodes            map[common.FrameId]*lruKNode
	currentTimestamp uint64
	k                int
	numFrames        int
	evictableCount   int
	mu               sync.Mutex
}

func NewLRUKReplacer(numFrames int, k int) *LRUKReplacer {
	if k < 1 {
		k = 1
	}
	return &LRUKReplacer{
		nodes:     make(map[common.FrameId]*lruKNode, numFrames),
		k:         k,
		numFrames: numFrames,
	}
}

func (lru *LRUKReplacer) RecordAccess(frameId common.FrameId) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	lru.currentTimestamp++
	node, ok := lru.nodes[frameId]
	if !ok {
		node = &lruKNode{history: make([]uint64, 0, lru.k)}
		lru.nodes[frameId] = node
	}
	if len(node.history) == lru.k {
		copy(node.history, node.history[1:])
		node.history = node.history[:lru.k-1]
	}
	node.history = append(node.history, lru.currentTimestamp)
}

func (lru *LRUKReplacer) SetEvictable(frameId common.FrameId, evictable bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodes[frameId]
	if !ok || node.evictable == evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		lru.evictableCount++
	} else {
		lru.evictableCount--
	}
}

func (lru *LRUKReplacer) Victim() (common.FrameId, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	victim := common.FrameId(-1)
	var victimNode *lruKNode
	for frameId, node := range lru.nodes {
		if !node.evictable {
			continue
		}
		if victimNode == nil || lru.before(node, victimNode) {
			victim, victimNode = frameId, node
		}
	}
	if victimNode == nil {
		return 0, false
	}
	delete(lru.nodes, victim)
	lru.evictableCount--
	return victim, true
}

// before reports whether a should be evicted ahead of b.
func (lru *LRUKReplacer) before(a, b *lruKNode) bool {
	aInf, bInf := len(a.history) < lru.k, len(b.history) < lru.k
	if aInf != bInf {
		return aInf
	}
	// Either both distances are infinite and the earliest access wins, or
	// history[0] is the k-th most recent access and the oldest one has the
	// largest distance.
	return a.history[0] < b.history[0]
}

func (lru *LRUKReplacer) Remove(frameId common.FrameId) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodes[frameId]
	if !ok {
		return
	}
	if node.evictable {
		lru.evictableCount--
	}
	delete(lru.nodes, frameId)
}

func (lru *LRUKReplacer) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictableCount
}
