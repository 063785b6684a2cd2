package index

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
	"pagestore/src/disk"
)

// BPlusTree is an ordered map from byte-comparable keys to opaque values,
// stored in pages of a BufferPoolManager. Nodes refer to each other by page
// id only. The root pointer lives in a metadata page whose latch is taken
// before the root's.
//
// Readers crab down with read latches. Writers first descend with read
// latches and write latch only the leaf; when the leaf might split or
// underflow they start over holding write latches from the metadata page
// down, dropping the ancestors of every node that cannot propagate a change.
type BPlusTree struct {
	bpm          *disk.BufferPoolManager
	metaPageId   common.PageId
	order        int
	maxKeySize   int
	maxValueSize int

	// garbage holds merged-away pages that a scan still pinned.
	garbageMu sync.Mutex
	garbage   []common.PageId
}

// checkLayout rejects an order whose fullest node cannot be stored in a page.
func checkLayout(order, maxKeySize, maxValueSize int) error {
	if order < 3 {
		return errors.Wrapf(common.ErrInvalidOrder, "order %d is below 3", order)
	}
	if maxKeySize <= 0 || maxValueSize < 0 {
		return errors.Wrapf(common.ErrInvalidOrder, "invalid key/value size limits %d/%d", maxKeySize, maxValueSize)
	}
	leaf := nodeHeaderSize + (order-1)*(2*lenPrefixSize+maxKeySize+maxValueSize)
	internal := nodeHeaderSize + (order-1)*(lenPrefixSize+maxKeySize) + order*childIdSize
	if leaf > common.PageSize || internal > common.PageSize {
		return errors.Wrapf(common.ErrInvalidOrder,
			"order %d with %d byte keys and %d byte values needs %d bytes per node",
			order, maxKeySize, maxValueSize, max(leaf, internal))
	}
	return nil
}

// Create builds an empty tree: a metadata page and an empty leaf as root.
func Create(bpm *disk.BufferPoolManager, opts common.Options) (*BPlusTree, error) {
	if err := checkLayout(opts.Order, opts.MaxKeySize, opts.MaxValueSize); err != nil {
		return nil, err
	}
	metaGuard, err := bpm.NewPageGuarded()
	if err != nil {
		return nil, err
	}
	rootGuard, err := bpm.NewPageGuarded()
	if err != nil {
		metaPageId := metaGuard.PageId()
		metaGuard.Release()
		if derr := bpm.DeletePage(metaPageId); derr != nil {
			log.WithError(derr).Warnf("Cannot drop metadata page %d.", metaPageId)
		}
		return nil, err
	}
	newLeaf().encode(rootGuard.Data())
	meta := &treeMeta{
		order:        opts.Order,
		maxKeySize:   opts.MaxKeySize,
		maxValueSize: opts.MaxValueSize,
		root:         rootGuard.PageId(),
	}
	meta.encode(metaGuard.Data())
	t := newTree(bpm, metaGuard.PageId(), meta)
	rootGuard.Release()
	metaGuard.Release()

	log.WithFields(log.Fields{"meta_page_id": t.metaPageId, "order": t.order}).Debug("Created B+ tree.")
	return t, nil
}

// Open loads the tree whose metadata is stored in metaPageId.
func Open(bpm *disk.BufferPoolManager, metaPageId common.PageId) (*BPlusTree, error) {
	guard, err := bpm.FetchPageRead(metaPageId)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	meta, err := decodeMeta(metaPageId, guard.Data())
	if err != nil {
		return nil, err
	}
	return newTree(bpm, metaPageId, meta), nil
}

func newTree(bpm *disk.BufferPoolManager, metaPageId common.PageId, meta *treeMeta) *BPlusTree {
	return &BPlusTree{
		bpm:          bpm,
		metaPageId:   metaPageId,
		order:        meta.order,
		maxKeySize:   meta.maxKeySize,
		maxValueSize: meta.maxValueSize,
	}
}

func (t *BPlusTree) MetaPageId() common.PageId { return t.metaPageId }

func (t *BPlusTree) Order() int { return t.order }

func (t *BPlusTree) maxKeys() int { return t.order - 1 }

func (t *BPlusTree) minKeys() int { return (t.order+1)/2 - 1 }

// Search returns the value stored under key.
func (t *BPlusTree) Search(key []byte) ([]byte, error) {
	guard, n, err := t.findLeafRead(key)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	i, found := n.keyIndex(key)
	if !found {
		return nil, common.ErrKeyNotFound
	}
	return n.values[i], nil
}

// Height is the number of levels, 1 for a tree whose root is a leaf.
func (t *BPlusTree) Height() (int, error) {
	metaGuard, err := t.bpm.FetchPageRead(t.metaPageId)
	if err != nil {
		return 0, err
	}
	rootId, err := rootOf(t.metaPageId, metaGuard.Data())
	if err != nil {
		metaGuard.Release()
		return 0, err
	}
	rootGuard, err := t.bpm.FetchPageRead(rootId)
	metaGuard.Release()
	if err != nil {
		return 0, err
	}
	defer rootGuard.Release()
	root, err := decodeNode(rootId, rootGuard.Data())
	if err != nil {
		return 0, err
	}
	return int(root.level) + 1, nil
}

// Count walks the leaf chain and returns the number of keys.
func (t *BPlusTree) Count() (int, error) {
	it, err := t.Scan(nil)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	return count, it.Err()
}

func (t *BPlusTree) findLeafRead(key []byte) (*disk.ReadPageGuard, *node, error) {
	guard, err := t.bpm.FetchPageRead(t.metaPageId)
	if err != nil {
		return nil, nil, err
	}
	pageId, err := rootOf(t.metaPageId, guard.Data())
	for err == nil {
		var child *disk.ReadPageGuard
		child, err = t.bpm.FetchPageRead(pageId)
		guard.Release()
		if err != nil {
			return nil, nil, err
		}
		guard = child

		var n *node
		n, err = decodeNode(pageId, guard.Data())
		if err != nil {
			break
		}
		if n.isLeaf() {
			return guard, n, nil
		}
		pageId = n.children[n.childIndex(key)]
	}
	guard.Release()
	return nil, nil, err
}

// findLeafWrite crabs down like findLeafRead but write latches the leaf. It
// returns a nil guard when the root is a leaf: that case is left to the
// pessimistic path, which also covers root changes.
func (t *BPlusTree) findLeafWrite(key []byte) (*disk.WritePageGuard, *node, error) {
	metaGuard, err := t.bpm.FetchPageRead(t.metaPageId)
	if err != nil {
		return nil, nil, err
	}
	pageId, err := rootOf(t.metaPageId, metaGuard.Data())
	if err != nil {
		metaGuard.Release()
		return nil, nil, err
	}
	guard, err := t.bpm.FetchPageRead(pageId)
	metaGuard.Release()
	if err != nil {
		return nil, nil, err
	}
	for {
		n, err := decodeNode(pageId, guard.Data())
		if err != nil {
			guard.Release()
			return nil, nil, err
		}
		if n.isLeaf() {
			guard.Release()
			return nil, nil, nil
		}
		pageId = n.children[n.childIndex(key)]
		if n.level > 1 {
			child, err := t.bpm.FetchPageRead(pageId)
			guard.Release()
			if err != nil {
				return nil, nil, err
			}
			guard = child
			continue
		}

		leafGuard, err := t.bpm.FetchPageWrite(pageId)
		guard.Release()
		if err != nil {
			return nil, nil, err
		}
		leaf, err := decodeNode(pageId, leafGuard.Data())
		if err != nil {
			leafGuard.Release()
			return nil, nil, err
		}
		return leafGuard, leaf, nil
	}
}

type writeOp int

const (
	opInsert writeOp = iota
	opDelete
)

type latchedNode struct {
	guard *disk.WritePageGuard
	node  *node
	// childIdx is the position in the parent, -1 for the root.
	childIdx int
}

func (ln *latchedNode) pageId() common.PageId { return ln.guard.PageId() }

// writeContext holds the latches of a pessimistic operation. path runs from
// the highest node that may change down to the leaf; meta is only held
// while the root may change.
type writeContext struct {
	meta     *disk.WritePageGuard
	metaInfo *treeMeta
	path     []*latchedNode
	// leftLeaf is the leaf's left sibling, latched before the leaf.
	leftLeaf *latchedNode
	siblings []*latchedNode
	fresh    []*disk.WritePageGuard
	// retired pages are unlinked and freed once every latch is released.
	retired []common.PageId
}

func (ctx *writeContext) leaf() *latchedNode { return ctx.path[len(ctx.path)-1] }

func (ctx *writeContext) releaseAncestors() {
	ctx.meta.Release()
	ctx.meta = nil
	for _, ln := range ctx.path {
		ln.guard.Release()
	}
	ctx.path = ctx.path[:0]
}

func (ctx *writeContext) releaseAll() {
	ctx.releaseAncestors()
	if ctx.leftLeaf != nil {
		ctx.leftLeaf.guard.Release()
		ctx.leftLeaf = nil
	}
	for _, ln := range ctx.siblings {
		ln.guard.Release()
	}
	ctx.siblings = nil
	for _, guard := range ctx.fresh {
		guard.Release()
	}
	ctx.fresh = nil
}

func (t *BPlusTree) isSafe(n *node, op writeOp, isRoot bool) bool {
	if op == opInsert {
		return n.keyCount() < t.maxKeys()
	}
	if isRoot {
		return n.isLeaf() || n.keyCount() > 1
	}
	return n.keyCount() > t.minKeys()
}

func (t *BPlusTree) fetchWrite(pageId common.PageId, childIdx int) (*latchedNode, error) {
	guard, err := t.bpm.FetchPageWrite(pageId)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(pageId, guard.Data())
	if err != nil {
		guard.Release()
		return nil, err
	}
	return &latchedNode{guard: guard, node: n, childIdx: childIdx}, nil
}

// descendWrite write latches from the metadata page down to the leaf for
// key, keeping only the latches that op may need.
func (t *BPlusTree) descendWrite(key []byte, op writeOp) (*writeContext, error) {
	metaGuard, err := t.bpm.FetchPageWrite(t.metaPageId)
	if err != nil {
		return nil, err
	}
	ctx := &writeContext{meta: metaGuard}
	ctx.metaInfo, err = decodeMeta(t.metaPageId, metaGuard.Data())
	if err != nil {
		ctx.releaseAll()
		return nil, err
	}

	pageId := ctx.metaInfo.root
	childIdx := -1
	var parent *node
	for {
		if op == opDelete && parent != nil && parent.level == 1 && childIdx > 0 {
			ctx.leftLeaf, err = t.fetchWrite(parent.children[childIdx-1], childIdx-1)
			if err != nil {
				ctx.releaseAll()
				return nil, err
			}
		}
		ln, err := t.fetchWrite(pageId, childIdx)
		if err != nil {
			ctx.releaseAll()
			return nil, err
		}
		if t.isSafe(ln.node, op, childIdx < 0) {
			ctx.releaseAncestors()
			if ln.node.isLeaf() && ctx.leftLeaf != nil {
				ctx.leftLeaf.guard.Release()
				ctx.leftLeaf = nil
			}
		}
		ctx.path = append(ctx.path, ln)
		if ln.node.isLeaf() {
			return ctx, nil
		}
		parent = ln.node
		childIdx = parent.childIndex(key)
		pageId = parent.children[childIdx]
	}
}

func (t *BPlusTree) writeNode(ln *latchedNode) {
	ln.node.encode(ln.guard.Data())
	ln.guard.MarkDirty()
}

func (t *BPlusTree) setRoot(ctx *writeContext, root common.PageId) {
	ctx.metaInfo.root = root
	ctx.metaInfo.encode(ctx.meta.Data())
	ctx.meta.MarkDirty()
}

// retire flags a node that is no longer linked into the tree so that a scan
// still parked on it knows to start over.
func (t *BPlusTree) retire(ctx *writeContext, ln *latchedNode) {
	ln.node.flags |= flagRemoved
	t.writeNode(ln)
	ctx.retired = append(ctx.retired, ln.pageId())
}

// freePages deletes retired pages. Pages a scan still pins are kept as
// garbage and retried later.
func (t *BPlusTree) freePages(pageIds []common.PageId) {
	var pinned []common.PageId
	for _, pageId := range pageIds {
		err := t.bpm.DeletePage(pageId)
		switch {
		case err == nil:
		case errors.Is(err, common.ErrPagePinned):
			pinned = append(pinned, pageId)
		default:
			log.WithError(err).Errorf("Cannot free tree page %d.", pageId)
		}
	}
	if len(pinned) == 0 {
		return
	}
	t.garbageMu.Lock()
	t.garbage = append(t.garbage, pinned...)
	t.garbageMu.Unlock()
	log.WithField("pages", pinned).Debug("Deferred freeing pinned tree pages.")
}

// Reclaim retries freeing pages that were merged away under a scan. It
// returns the number of pages still waiting.
func (t *BPlusTree) Reclaim() int {
	t.garbageMu.Lock()
	pending := t.garbage
	t.garbage = nil
	t.garbageMu.Unlock()
	if len(pending) > 0 {
		t.freePages(pending)
	}

	t.garbageMu.Lock()
	defer t.garbageMu.Unlock()
	return len(t.garbage)
}
