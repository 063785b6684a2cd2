package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"pagestore/src/common"
)

type nodeKind uint8

const (
	internalNode nodeKind = 1
	leafNode     nodeKind = 2
)

const (
	// flagRemoved marks a page that was merged away while a scan still
	// pinned it.
	flagRemoved uint8 = 1 << 0
)

// Node page layout:
//
//	tag u8 | flags u8 | keyCount u16 | level u16 | pad u16 | checksum u64 |
//	next i32 | pad u32 | keys (u16 len + bytes)... |
//	children i32... (internal) or values (u16 len + bytes)... (leaf)
//
// The checksum covers the whole page except its own field.
const (
	nodeTagOffset      = 0
	nodeFlagsOffset    = 1
	nodeCountOffset    = 2
	nodeLevelOffset    = 4
	nodeChecksumOffset = 8
	nodeNextOffset     = 16
	nodeHeaderSize     = 24

	lenPrefixSize = 2
	childIdSize   = 4
)

// node is the decoded form of a tree page. Leaves have level 0.
type node struct {
	kind     nodeKind
	flags    uint8
	level    uint16
	next     common.PageId
	keys     [][]byte
	children []common.PageId
	values   [][]byte
}

func newLeaf() *node {
	return &node{kind: leafNode, next: common.InvalidPageId}
}

func (n *node) isLeaf() bool { return n.kind == leafNode }

func (n *node) removed() bool { return n.flags&flagRemoved != 0 }

func (n *node) keyCount() int { return len(n.keys) }

// keyIndex returns the first position whose key is >= key, and whether the
// key there is equal.
func (n *node) keyIndex(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) >= 0
	})
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// childIndex returns the child of an internal node whose range holds key.
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

func (n *node) insertEntry(i int, key, value []byte) {
	n.keys = insertAt(n.keys, i, key)
	n.values = insertAt(n.values, i, value)
}

func (n *node) removeEntry(i int) {
	n.keys = removeAt(n.keys, i)
	n.values = removeAt(n.values, i)
}

func (n *node) insertChild(i int, key []byte, child common.PageId) {
	n.keys = insertAt(n.keys, i, key)
	n.children = insertAt(n.children, i+1, child)
}

func (n *node) removeChild(i int) {
	n.keys = removeAt(n.keys, i)
	n.children = removeAt(n.children, i+1)
}

func (n *node) encodedSize() int {
	size := nodeHeaderSize
	for _, key := range n.keys {
		size += lenPrefixSize + len(key)
	}
	if n.isLeaf() {
		for _, value := range n.values {
			size += lenPrefixSize + len(value)
		}
	} else {
		size += childIdSize * len(n.children)
	}
	return size
}

func (n *node) encode(data []byte) {
	data[nodeTagOffset] = byte(n.kind)
	data[nodeFlagsOffset] = n.flags
	binary.LittleEndian.PutUint16(data[nodeCountOffset:], uint16(len(n.keys)))
	binary.LittleEndian.PutUint16(data[nodeLevelOffset:], n.level)
	binary.LittleEndian.PutUint16(data[nodeLevelOffset+2:], 0)
	next := common.InvalidPageId
	if n.isLeaf() {
		next = n.next
	}
	binary.LittleEndian.PutUint32(data[nodeNextOffset:], uint32(next))
	binary.LittleEndian.PutUint32(data[nodeNextOffset+4:], 0)

	offset := nodeHeaderSize
	putBytes := func(b []byte) {
		binary.LittleEndian.PutUint16(data[offset:], uint16(len(b)))
		offset += lenPrefixSize
		offset += copy(data[offset:], b)
	}
	for _, key := range n.keys {
		putBytes(key)
	}
	if n.isLeaf() {
		for _, value := range n.values {
			putBytes(value)
		}
	} else {
		for _, child := range n.children {
			binary.LittleEndian.PutUint32(data[offset:], uint32(child))
			offset += childIdSize
		}
	}
	for i := offset; i < len(data); i++ {
		data[i] = 0
	}
	putChecksum(data, pageChecksum(data))
}

func putChecksum(data []byte, sum uint64) {
	binary.LittleEndian.PutUint64(data[nodeChecksumOffset:], sum)
}

func pageChecksum(data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(data[:nodeChecksumOffset])
	_, _ = d.Write(data[nodeNextOffset:])
	return d.Sum64()
}

func corruptf(pageId common.PageId, format string, args ...interface{}) error {
	return errors.Wrapf(common.ErrCorruptPage, "page %d: %s", pageId, fmt.Sprintf(format, args...))
}

// decodeNode parses a tree page. Every tag, length and checksum failure is
// reported as ErrCorruptPage.
func decodeNode(pageId common.PageId, data []byte) (*node, error) {
	if len(data) < nodeHeaderSize {
		return nil, corruptf(pageId, "short page of %d bytes", len(data))
	}
	if binary.LittleEndian.Uint64(data[nodeChecksumOffset:]) != pageChecksum(data) {
		return nil, corruptf(pageId, "checksum mismatch")
	}
	n := &node{
		kind:  nodeKind(data[nodeTagOffset]),
		flags: data[nodeFlagsOffset],
		level: binary.LittleEndian.Uint16(data[nodeLevelOffset:]),
		next:  common.PageId(int32(binary.LittleEndian.Uint32(data[nodeNextOffset:]))),
	}
	switch n.kind {
	case leafNode:
		if n.level != 0 {
			return nil, corruptf(pageId, "leaf at level %d", n.level)
		}
	case internalNode:
		if n.level == 0 {
			return nil, corruptf(pageId, "internal node at level 0")
		}
		n.next = common.InvalidPageId
	default:
		return nil, corruptf(pageId, "unknown node tag %d", data[nodeTagOffset])
	}

	count := int(binary.LittleEndian.Uint16(data[nodeCountOffset:]))
	offset := nodeHeaderSize
	getBytes := func() ([]byte, bool) {
		if offset+lenPrefixSize > len(data) {
			return nil, false
		}
		size := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += lenPrefixSize
		if offset+size > len(data) {
			return nil, false
		}
		b := make([]byte, size)
		copy(b, data[offset:offset+size])
		offset += size
		return b, true
	}

	n.keys = make([][]byte, 0, count+1)
	for i := 0; i < count; i++ {
		key, ok := getBytes()
		if !ok {
			return nil, corruptf(pageId, "key %d overflows the page", i)
		}
		n.keys = append(n.keys, key)
	}
	if n.isLeaf() {
		n.values = make([][]byte, 0, count+1)
		for i := 0; i < count; i++ {
			value, ok := getBytes()
			if !ok {
				return nil, corruptf(pageId, "value %d overflows the page", i)
			}
			n.values = append(n.values, value)
		}
		return n, nil
	}
	if offset+childIdSize*(count+1) > len(data) {
		return nil, corruptf(pageId, "%d children overflow the page", count+1)
	}
	n.children = make([]common.PageId, 0, count+2)
	for i := 0; i <= count; i++ {
		child := common.PageId(int32(binary.LittleEndian.Uint32(data[offset:])))
		if !child.IsValid() {
			return nil, corruptf(pageId, "child %d has invalid id %d", i, child)
		}
		n.children = append(n.children, child)
		offset += childIdSize
	}
	return n, nil
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
