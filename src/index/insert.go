package index

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
)

func (t *BPlusTree) checkEntry(key, value []byte) error {
	if len(key) > t.maxKeySize {
		return errors.Wrapf(common.ErrKeyTooLarge, "key of %d bytes, limit %d", len(key), t.maxKeySize)
	}
	if len(value) > t.maxValueSize {
		return errors.Wrapf(common.ErrValueTooLarge, "value of %d bytes, limit %d", len(value), t.maxValueSize)
	}
	return nil
}

// Insert adds key with value. It fails with ErrDuplicateKey if key exists.
func (t *BPlusTree) Insert(key, value []byte) error {
	if err := t.checkEntry(key, value); err != nil {
		return err
	}
	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)

	done, err := t.insertOptimistic(key, value)
	if done {
		return err
	}
	return t.insertPessimistic(key, value)
}

// insertOptimistic inserts when the leaf has room. It reports false when
// the leaf may split and the pessimistic path must be taken.
func (t *BPlusTree) insertOptimistic(key, value []byte) (bool, error) {
	guard, leaf, err := t.findLeafWrite(key)
	if err != nil {
		return true, err
	}
	if guard == nil {
		return false, nil
	}
	defer guard.Release()

	i, found := leaf.keyIndex(key)
	if found {
		return true, common.ErrDuplicateKey
	}
	if leaf.keyCount() >= t.maxKeys() {
		return false, nil
	}
	leaf.insertEntry(i, key, value)
	leaf.encode(guard.Data())
	guard.MarkDirty()
	return true, nil
}

func (t *BPlusTree) insertPessimistic(key, value []byte) error {
	ctx, err := t.descendWrite(key, opInsert)
	if err != nil {
		return err
	}
	defer ctx.releaseAll()

	leaf := ctx.leaf()
	i, found := leaf.node.keyIndex(key)
	if found {
		return common.ErrDuplicateKey
	}
	leaf.node.insertEntry(i, key, value)
	if leaf.node.keyCount() <= t.maxKeys() {
		t.writeNode(leaf)
		return nil
	}
	return t.splitUpward(ctx)
}

// splitsNeeded counts the pages a split starting at the overflowing leaf
// allocates, the new root included.
func (t *BPlusTree) splitsNeeded(ctx *writeContext) int {
	needed := 0
	for i := len(ctx.path) - 1; i >= 0; i-- {
		needed++
		if i == 0 {
			if ctx.path[0].childIdx < 0 {
				needed++
			}
			break
		}
		if ctx.path[i-1].node.keyCount() < t.maxKeys() {
			break
		}
	}
	return needed
}

// splitUpward splits the overflowing leaf and every full ancestor that
// receives a separator. All pages are allocated before anything is written,
// so running out of frames leaves the tree untouched.
func (t *BPlusTree) splitUpward(ctx *writeContext) error {
	needed := t.splitsNeeded(ctx)
	for j := 0; j < needed; j++ {
		guard, err := t.bpm.NewPageGuarded()
		if err != nil {
			t.discardFresh(ctx)
			return err
		}
		ctx.fresh = append(ctx.fresh, guard)
	}
	fresh := ctx.fresh

	for i := len(ctx.path) - 1; ; i-- {
		ln := ctx.path[i]
		rightGuard := fresh[0]
		fresh = fresh[1:]

		var right *node
		var separator []byte
		if ln.node.isLeaf() {
			right, separator = splitLeaf(ln.node, rightGuard.PageId())
		} else {
			right, separator = splitInternal(ln.node)
		}
		right.encode(rightGuard.Data())
		t.writeNode(ln)
		log.WithFields(log.Fields{
			"page_id":     ln.pageId(),
			"new_page_id": rightGuard.PageId(),
			"level":       ln.node.level,
		}).Debug("Split tree node.")

		if ln.childIdx < 0 {
			rootGuard := fresh[0]
			root := &node{
				kind:     internalNode,
				level:    ln.node.level + 1,
				keys:     [][]byte{separator},
				children: []common.PageId{ln.pageId(), rightGuard.PageId()},
			}
			root.encode(rootGuard.Data())
			t.setRoot(ctx, rootGuard.PageId())
			log.WithFields(log.Fields{"page_id": rootGuard.PageId(), "level": root.level}).Debug("Grew new tree root.")
			return nil
		}

		parent := ctx.path[i-1]
		parent.node.insertChild(ln.childIdx, separator, rightGuard.PageId())
		if parent.node.keyCount() <= t.maxKeys() {
			t.writeNode(parent)
			return nil
		}
	}
}

func (t *BPlusTree) discardFresh(ctx *writeContext) {
	for _, guard := range ctx.fresh {
		pageId := guard.PageId()
		guard.Release()
		if err := t.bpm.DeletePage(pageId); err != nil {
			log.WithError(err).Warnf("Cannot give back page %d.", pageId)
		}
	}
	ctx.fresh = nil
}

// splitLeaf moves the upper half of n to a new right leaf and links it in
// the leaf chain. The separator is a copy of the right leaf's first key.
func splitLeaf(n *node, rightId common.PageId) (*node, []byte) {
	mid := len(n.keys) / 2
	right := newLeaf()
	right.keys = append(right.keys, n.keys[mid:]...)
	right.values = append(right.values, n.values[mid:]...)
	right.next = n.next
	clear(n.keys[mid:])
	clear(n.values[mid:])
	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	n.next = rightId
	return right, right.keys[0]
}

// splitInternal moves the keys above the median to a new right node and
// returns the median, which moves up to the parent.
func splitInternal(n *node) (*node, []byte) {
	mid := len(n.keys) / 2
	separator := n.keys[mid]
	right := &node{kind: internalNode, level: n.level}
	right.keys = append(right.keys, n.keys[mid+1:]...)
	right.children = append(right.children, n.children[mid+1:]...)
	clear(n.keys[mid:])
	clear(n.children[mid+1:])
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	return right, separator
}
