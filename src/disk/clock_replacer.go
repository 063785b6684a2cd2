package disk

import (
	"sync"

	"pagestore/src/common"
)

type clockDesc struct {
	tracked    bool
	evictable  bool
	referenced bool
}

// ClockReplacer is a second-chance approximation of LRU. The hand sweeps the
// frames in index order starting at frame 0; a referenced evictable frame
// loses its reference bit and is skipped once.
type ClockReplacer struct {
	frames         []clockDesc
	hand           int
	evictableCount int
	mu             sync.Mutex
}

func NewClockReplacer(numFrames int) *ClockReplacer {
	return &ClockReplacer{
		frames: make([]clockDesc, numFrames),
	}
}

func (c *ClockReplacer) RecordAccess(frameId common.FrameId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc := &c.frames[frameId]
	desc.tracked = true
	desc.referenced = true
}

func (c *ClockReplacer) SetEvictable(frameId common.FrameId, evictable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc := &c.frames[frameId]
	if !desc.tracked || desc.evictable == evictable {
		return
	}
	desc.evictable = evictable
	if evictable {
		c.evictableCount++
	} else {
		c.evictableCount--
	}
}

func (c *ClockReplacer) Victim() (common.FrameId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.evictableCount == 0 {
		return 0, false
	}
	// Two sweeps clear every reference bit, so a victim is found by then.
	for i := 0; i <= 2*len(c.frames); i++ {
		frameId := c.hand
		c.hand = (c.hand + 1) % len(c.frames)
		desc := &c.frames[frameId]
		if !desc.tracked || !desc.evictable {
			continue
		}
		if desc.referenced {
			desc.referenced = false
			continue
		}
		*desc = clockDesc{}
		c.evictableCount--
		return common.FrameId(frameId), true
	}
	return 0, false
}

func (c *ClockReplacer) Remove(frameId common.FrameId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc := &c.frames[frameId]
	if desc.tracked && desc.evictable {
		c.evictableCount--
	}
	*desc = clockDesc{}
}

func (c *ClockReplacer) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictableCount
}
