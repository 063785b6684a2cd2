package disk

import (
	"github.com/pkg/errors"

	"pagestore/src/common"
)

// Replacer picks the frame to evict among the frames marked evictable.
// Implementations must be deterministic for a given access history.
type Replacer interface {
	// RecordAccess notes that the frame was just used. A frame seen for the
	// first time starts out non-evictable.
	RecordAccess(frameId common.FrameId)
	SetEvictable(frameId common.FrameId, evictable bool)
	// Victim removes and returns the frame least worth keeping.
	Victim() (common.FrameId, bool)
	// Remove forgets the frame's access history.
	Remove(frameId common.FrameId)
	// Size is the number of evictable frames.
	Size() int
}

// NewReplacer builds the replacer selected by opts for a pool of numFrames.
func NewReplacer(opts common.Options, numFrames int) (Replacer, error) {
	switch opts.ReplacerPolicy {
	case common.PolicyLRUK:
		return NewLRUKReplacer(numFrames, opts.ReplacerK), nil
	case common.PolicyLRU:
		return NewLRUReplacer(), nil
	case common.PolicyClock:
		return NewClockReplacer(numFrames), nil
	}
	return nil, errors.Errorf("unknown replacer policy %q", opts.ReplacerPolicy)
}
