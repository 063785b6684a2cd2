package index

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"pagestore/src/common"
)

// Verify checks the structure of the whole tree: key order inside nodes,
// separator bounds, occupancy, uniform leaf depth and that the leaf chain
// links every leaf from left to right. It expects no concurrent writers.
func (t *BPlusTree) Verify() error {
	root, err := t.rootPageId()
	if err != nil {
		return err
	}
	v := &verifier{tree: t}
	rootNode, err := t.readNode(root)
	if err != nil {
		return err
	}
	if err := v.check(root, rootNode, nil, nil, true); err != nil {
		return err
	}
	return v.checkChain()
}

type verifier struct {
	tree   *BPlusTree
	leaves []common.PageId
}

func (v *verifier) fail(pageId common.PageId, format string, args ...interface{}) error {
	return corruptf(pageId, format, args...)
}

// check verifies the subtree at pageId, whose keys must lie in [lower, upper).
func (v *verifier) check(pageId common.PageId, n *node, lower, upper []byte, isRoot bool) error {
	t := v.tree
	if n.removed() {
		return v.fail(pageId, "reachable page is flagged removed")
	}
	count := n.keyCount()
	if count > t.maxKeys() {
		return v.fail(pageId, "%d keys, at most %d allowed", count, t.maxKeys())
	}
	if !isRoot && count < t.minKeys() {
		return v.fail(pageId, "%d keys, at least %d required", count, t.minKeys())
	}
	if isRoot && !n.isLeaf() && count < 1 {
		return v.fail(pageId, "internal root without keys")
	}
	for i, key := range n.keys {
		if i > 0 && bytes.Compare(n.keys[i-1], key) >= 0 {
			return v.fail(pageId, "key %d is not above key %d", i, i-1)
		}
		if lower != nil && bytes.Compare(key, lower) < 0 {
			return v.fail(pageId, "key %d is below its separator", i)
		}
		if upper != nil && bytes.Compare(key, upper) >= 0 {
			return v.fail(pageId, "key %d is not below its separator", i)
		}
	}
	if n.isLeaf() {
		if len(n.values) != count {
			return v.fail(pageId, "%d values for %d keys", len(n.values), count)
		}
		v.leaves = append(v.leaves, pageId)
		return nil
	}

	if len(n.children) != count+1 {
		return v.fail(pageId, "%d children for %d keys", len(n.children), count)
	}
	for i, childId := range n.children {
		child, err := t.readNode(childId)
		if err != nil {
			return err
		}
		if child.level+1 != n.level {
			return v.fail(childId, "level %d under a node of level %d", child.level, n.level)
		}
		childLower, childUpper := lower, upper
		if i > 0 {
			childLower = n.keys[i-1]
		}
		if i < count {
			childUpper = n.keys[i]
		}
		if err := v.check(childId, child, childLower, childUpper, false); err != nil {
			return err
		}
	}
	return nil
}

// checkChain follows the next links from the leftmost leaf.
func (v *verifier) checkChain() error {
	pageId := v.leaves[0]
	for i, expected := range v.leaves {
		if pageId != expected {
			return v.fail(v.leaves[max(i-1, 0)], "leaf chain reaches page %d, expected %d", pageId, expected)
		}
		n, err := v.tree.readNode(pageId)
		if err != nil {
			return err
		}
		pageId = n.next
	}
	if pageId != common.InvalidPageId {
		return v.fail(v.leaves[len(v.leaves)-1], "last leaf links to page %d", pageId)
	}
	return nil
}

func (t *BPlusTree) rootPageId() (common.PageId, error) {
	guard, err := t.bpm.FetchPageRead(t.metaPageId)
	if err != nil {
		return common.InvalidPageId, err
	}
	defer guard.Release()
	return rootOf(t.metaPageId, guard.Data())
}

func (t *BPlusTree) readNode(pageId common.PageId) (*node, error) {
	guard, err := t.bpm.FetchPageRead(pageId)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return decodeNode(pageId, guard.Data())
}

// Dump prints the tree level by level, one node per line.
func (t *BPlusTree) Dump(w io.Writer) error {
	root, err := t.rootPageId()
	if err != nil {
		return err
	}
	p := func(format string, args ...interface{}) { fmt.Fprintf(w, format, args...) }

	p("B+ tree: meta page %d, order %d, root page %d\n", t.metaPageId, t.order, root)
	queue := []common.PageId{root}
	for len(queue) > 0 {
		var nextLevel []common.PageId
		for i, pageId := range queue {
			n, err := t.readNode(pageId)
			if err != nil {
				return errors.Wrapf(err, "dump page %d", pageId)
			}
			if i == 0 {
				p("Level %d:\n", n.level)
			}
			keys := make([]string, len(n.keys))
			for j, key := range n.keys {
				keys[j] = formatKey(key)
			}
			if n.isLeaf() {
				p("  [page %d] LEAF keys=[%s] next=%s\n", pageId, strings.Join(keys, " "), n.next)
				continue
			}
			p("  [page %d] INTERNAL keys=[%s] children=%v\n", pageId, strings.Join(keys, " "), n.children)
			nextLevel = append(nextLevel, n.children...)
		}
		queue = nextLevel
	}
	return nil
}

// formatKey prints printable keys as text and anything else as hex.
func formatKey(key []byte) string {
	for _, r := range string(key) {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) || r == ' ' {
			return fmt.Sprintf("0x%x", key)
		}
	}
	return string(key)
}
