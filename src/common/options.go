package common

import (
	"github.com/pkg/errors"
)

// Replacement policies understood by the buffer pool.
const (
	PolicyLRUK  = "lru-k"
	PolicyLRU   = "lru"
	PolicyClock = "clock"
)

// Options configures a database file, its buffer pool and the indexes built on it.
type Options struct {
	Path string

	// PoolSize is the number of frames in the buffer pool.
	PoolSize       int
	ReplacerPolicy string
	// ReplacerK is the history depth of the lru-k policy.
	ReplacerK int

	// DirectIO opens the backing file with O_DIRECT. Not every filesystem
	// supports it (tmpfs does not).
	DirectIO   bool
	SyncWrites bool
	// MaxPages bounds the file size; 0 means the whole page id space.
	MaxPages int

	Order        int
	MaxKeySize   int
	MaxValueSize int
}

// DefaultOptions returns default database options
func DefaultOptions() Options {
	return Options{
		PoolSize:       64, // 256KB
		ReplacerPolicy: PolicyLRUK,
		ReplacerK:      2,
		DirectIO:       false,
		SyncWrites:     false,
		MaxPages:       0,
		Order:          32,
		MaxKeySize:     48,
		MaxValueSize:   48,
	}
}

// Validate checks the storage settings. The tree settings are checked by
// index.Create against the page layout.
func (o Options) Validate() error {
	if o.PoolSize <= 0 {
		return errors.Errorf("pool size must be positive, got %d", o.PoolSize)
	}
	switch o.ReplacerPolicy {
	case PolicyLRUK:
		if o.ReplacerK < 1 {
			return errors.Errorf("replacer k must be at least 1, got %d", o.ReplacerK)
		}
	case PolicyLRU, PolicyClock:
	default:
		return errors.Errorf("unknown replacer policy %q", o.ReplacerPolicy)
	}
	if o.MaxPages < 0 {
		return errors.Errorf("max pages must not be negative, got %d", o.MaxPages)
	}
	return nil
}
