package index

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"pagestore/src/disk"
)

// Iterator walks the leaf chain in ascending key order. Between calls it
// keeps its current leaf pinned but not latched, so writers are never
// blocked by an idle scan. Entries are copied out of the leaf; keys changed
// behind the cursor are not revisited.
//
//	it, err := tree.Scan(start)
//	...
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	err = it.Err()
type Iterator struct {
	tree *BPlusTree
	// leaf is pinned while the iterator is open.
	leaf *disk.Page

	keys   [][]byte
	values [][]byte
	pos    int

	// from is the lower bound still to be returned, exclusive once a key
	// has been produced.
	from          []byte
	fromInclusive bool
	end           []byte

	key, value []byte
	err        error
	done       bool
}

// Scan returns an iterator over every key >= start. A nil start scans the
// whole tree.
func (t *BPlusTree) Scan(start []byte) (*Iterator, error) {
	return t.ScanRange(start, nil)
}

// ScanRange returns an iterator over the keys in [start, end). A nil end is
// unbounded.
func (t *BPlusTree) ScanRange(start, end []byte) (*Iterator, error) {
	it := &Iterator{
		tree:          t,
		from:          append([]byte(nil), start...),
		fromInclusive: true,
	}
	if end != nil {
		it.end = append([]byte(nil), end...)
	}
	if err := it.seek(); err != nil {
		return nil, err
	}
	return it, nil
}

// seek descends from the root to the leaf holding the lower bound.
func (it *Iterator) seek() error {
	guard, n, err := it.tree.findLeafRead(it.from)
	if err != nil {
		return err
	}
	it.load(n)
	it.leaf = guard.Detach()
	return nil
}

// load buffers the entries of n that are still ahead of the cursor.
func (it *Iterator) load(n *node) {
	it.keys = it.keys[:0]
	it.values = it.values[:0]
	it.pos = 0
	for i, key := range n.keys {
		if !it.ahead(key) {
			continue
		}
		it.keys = append(it.keys, key)
		it.values = append(it.values, n.values[i])
	}
}

func (it *Iterator) ahead(key []byte) bool {
	c := bytes.Compare(key, it.from)
	return c > 0 || (c == 0 && it.fromInclusive)
}

// Next moves to the next entry and reports whether there is one.
func (it *Iterator) Next() bool {
	for !it.done {
		if it.pos < len(it.keys) {
			key := it.keys[it.pos]
			if it.end != nil && bytes.Compare(key, it.end) >= 0 {
				it.finish(nil)
				return false
			}
			it.key, it.value = key, it.values[it.pos]
			it.pos++
			it.from, it.fromInclusive = key, false
			return true
		}
		if err := it.advance(); err != nil {
			it.finish(err)
		}
	}
	return false
}

// advance refills the buffer, first from keys that reached the current leaf
// since it was read, then from the next leaf. A leaf that was merged away
// sends the iterator back to the root.
func (it *Iterator) advance() error {
	leaf := it.leaf
	leaf.RLock()
	n, err := decodeNode(leaf.PageId(), leaf.Data())
	if err != nil {
		leaf.RUnlock()
		return err
	}
	if n.removed() {
		log.WithField("page_id", leaf.PageId()).Debug("Scan restarts from the root.")
		leaf.RUnlock()
		it.unpin()
		return it.seek()
	}
	it.load(n)
	if len(it.keys) > 0 {
		leaf.RUnlock()
		return nil
	}
	if !n.next.IsValid() {
		leaf.RUnlock()
		it.finish(nil)
		return nil
	}

	next, err := it.tree.bpm.FetchPage(n.next)
	if err != nil {
		leaf.RUnlock()
		return err
	}
	next.RLock()
	leaf.RUnlock()
	it.unpin()
	it.leaf = next
	nextNode, err := decodeNode(next.PageId(), next.Data())
	next.RUnlock()
	if err != nil {
		return err
	}
	it.load(nextNode)
	return nil
}

func (it *Iterator) unpin() {
	if it.leaf == nil {
		return
	}
	if err := it.tree.bpm.UnpinPage(it.leaf.PageId(), false); err != nil {
		log.WithError(err).Errorf("Cannot unpin scanned page %d.", it.leaf.PageId())
	}
	it.leaf = nil
}

func (it *Iterator) finish(err error) {
	if it.err == nil {
		it.err = err
	}
	it.done = true
	it.key, it.value = nil, nil
	it.keys, it.values = nil, nil
	it.unpin()
}

// Key and Value are valid until the next call to Next and must not be
// modified.
func (it *Iterator) Key() []byte { return it.key }

func (it *Iterator) Value() []byte { return it.value }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the pinned leaf. It is safe to call more than once.
func (it *Iterator) Close() {
	if !it.done {
		it.finish(nil)
	}
}
