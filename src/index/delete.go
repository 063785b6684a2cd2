package index

import (
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
)

// Delete removes key. It fails with ErrKeyNotFound if key is absent.
func (t *BPlusTree) Delete(key []byte) error {
	done, err := t.deleteOptimistic(key)
	if !done {
		err = t.deletePessimistic(key)
	}
	t.Reclaim()
	return err
}

// deleteOptimistic removes the entry when the leaf stays above the minimum
// occupancy. It reports false when the pessimistic path must be taken.
func (t *BPlusTree) deleteOptimistic(key []byte) (bool, error) {
	guard, leaf, err := t.findLeafWrite(key)
	if err != nil {
		return true, err
	}
	if guard == nil {
		return false, nil
	}
	defer guard.Release()

	i, found := leaf.keyIndex(key)
	if !found {
		return true, common.ErrKeyNotFound
	}
	if leaf.keyCount() <= t.minKeys() {
		return false, nil
	}
	leaf.removeEntry(i)
	leaf.encode(guard.Data())
	guard.MarkDirty()
	return true, nil
}

func (t *BPlusTree) deletePessimistic(key []byte) error {
	ctx, err := t.descendWrite(key, opDelete)
	if err != nil {
		return err
	}

	leaf := ctx.leaf()
	i, found := leaf.node.keyIndex(key)
	if !found {
		ctx.releaseAll()
		return common.ErrKeyNotFound
	}
	leaf.node.removeEntry(i)
	sibs, err := t.fetchSiblings(ctx)
	if err == nil {
		t.rebalance(ctx, sibs)
	}
	ctx.releaseAll()
	t.freePages(ctx.retired)
	return err
}

// siblings of a path node that a borrow or merge will touch.
type siblings struct {
	left, right *latchedNode
}

// fetchSiblings latches, bottom-up, every sibling the rebalance will need,
// following the same borrow and merge decisions. Nothing is written yet, so
// a failed fetch leaves the tree as it was.
func (t *BPlusTree) fetchSiblings(ctx *writeContext) ([]siblings, error) {
	sibs := make([]siblings, len(ctx.path))
	count := ctx.leaf().node.keyCount()
	for i := len(ctx.path) - 1; i > 0 && count < t.minKeys(); i-- {
		ln, parent := ctx.path[i], ctx.path[i-1]
		idx := ln.childIdx
		s := &sibs[i]
		if idx > 0 {
			if ln.node.isLeaf() {
				s.left = ctx.leftLeaf
			} else {
				left, err := t.fetchWrite(parent.node.children[idx-1], idx-1)
				if err != nil {
					return nil, err
				}
				ctx.siblings = append(ctx.siblings, left)
				s.left = left
			}
			if s.left.node.keyCount() > t.minKeys() {
				break
			}
		}
		if idx < len(parent.node.children)-1 {
			right, err := t.fetchWrite(parent.node.children[idx+1], idx+1)
			if err != nil {
				return nil, err
			}
			ctx.siblings = append(ctx.siblings, right)
			s.right = right
			if right.node.keyCount() > t.minKeys() {
				break
			}
		}
		// a merge takes one key out of the parent
		count = parent.node.keyCount() - 1
	}
	return sibs, nil
}

// rebalance writes back the path after a removal, borrowing from or merging
// with a sibling wherever a node fell below the minimum occupancy. A merge
// takes a key out of the parent, which is then checked in turn.
func (t *BPlusTree) rebalance(ctx *writeContext, sibs []siblings) {
	for i := len(ctx.path) - 1; i >= 0; i-- {
		ln := ctx.path[i]
		if ln.childIdx < 0 {
			if !ln.node.isLeaf() && ln.node.keyCount() == 0 {
				t.setRoot(ctx, ln.node.children[0])
				t.retire(ctx, ln)
				log.WithFields(log.Fields{"page_id": ln.pageId(), "new_root": ln.node.children[0]}).Debug("Collapsed tree root.")
			} else {
				t.writeNode(ln)
			}
			return
		}
		if ln.node.keyCount() >= t.minKeys() {
			t.writeNode(ln)
			return
		}
		if !t.fixUnderflow(ctx, ctx.path[i-1], ln, sibs[i]) {
			return
		}
	}
}

// fixUnderflow restores the occupancy of ln, a child of parent, and reports
// whether it merged. Everything but the parent is written when it merges; on
// a borrow the parent is written too.
func (t *BPlusTree) fixUnderflow(ctx *writeContext, parent, ln *latchedNode, s siblings) bool {
	idx := ln.childIdx
	left, right := s.left, s.right
	if left != nil && left.node.keyCount() > t.minKeys() {
		borrowFromLeft(parent.node, left.node, ln.node, idx)
		t.writeNode(left)
		t.writeNode(ln)
		t.writeNode(parent)
		return false
	}
	if right != nil && right.node.keyCount() > t.minKeys() {
		borrowFromRight(parent.node, ln.node, right.node, idx)
		t.writeNode(ln)
		t.writeNode(right)
		t.writeNode(parent)
		return false
	}

	if left != nil {
		mergeNodes(parent.node, left.node, ln.node, idx-1)
		t.writeNode(left)
		t.retire(ctx, ln)
		log.WithFields(log.Fields{"page_id": ln.pageId(), "into": left.pageId()}).Debug("Merged tree node.")
	} else {
		mergeNodes(parent.node, ln.node, right.node, idx)
		t.writeNode(ln)
		t.retire(ctx, right)
		log.WithFields(log.Fields{"page_id": right.pageId(), "into": ln.pageId()}).Debug("Merged tree node.")
	}
	return true
}

func borrowFromLeft(parent, left, n *node, idx int) {
	last := len(left.keys) - 1
	if n.isLeaf() {
		n.insertEntry(0, left.keys[last], left.values[last])
		left.removeEntry(last)
		parent.keys[idx-1] = n.keys[0]
		return
	}
	n.keys = insertAt(n.keys, 0, parent.keys[idx-1])
	n.children = insertAt(n.children, 0, left.children[last+1])
	parent.keys[idx-1] = left.keys[last]
	left.keys = removeAt(left.keys, last)
	left.children = removeAt(left.children, last+1)
}

func borrowFromRight(parent, n, right *node, idx int) {
	if n.isLeaf() {
		n.insertEntry(len(n.keys), right.keys[0], right.values[0])
		right.removeEntry(0)
		parent.keys[idx] = right.keys[0]
		return
	}
	n.keys = append(n.keys, parent.keys[idx])
	n.children = append(n.children, right.children[0])
	parent.keys[idx] = right.keys[0]
	right.keys = removeAt(right.keys, 0)
	right.children = removeAt(right.children, 0)
}

// mergeNodes appends right to left and drops separator sep of the parent
// along with its pointer to right.
func mergeNodes(parent, left, right *node, sep int) {
	if left.isLeaf() {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, parent.keys[sep])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	parent.removeChild(sep)
}
