package index

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"pagestore/src/common"
)

func TestNode_EncodeDecode(t *testing.T) {
	data := make([]byte, common.PageSize)

	leaf := newLeaf()
	leaf.insertEntry(0, []byte("b"), []byte("2"))
	leaf.insertEntry(0, []byte("a"), []byte{})
	leaf.next = 9
	leaf.encode(data)
	decoded, err := decodeNode(3, data)
	require.Nil(t, err)
	require.True(t, decoded.isLeaf())
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, decoded.keys)
	require.Equal(t, [][]byte{{}, []byte("2")}, decoded.values)
	require.Equal(t, common.PageId(9), decoded.next)
	require.Equal(t, leaf.encodedSize(), nodeHeaderSize+4*lenPrefixSize+3)

	internal := &node{
		kind:     internalNode,
		level:    2,
		keys:     [][]byte{[]byte("m")},
		children: []common.PageId{4, 5},
	}
	internal.insertChild(1, []byte("t"), 6)
	internal.encode(data)
	decoded, err = decodeNode(3, data)
	require.Nil(t, err)
	require.False(t, decoded.isLeaf())
	require.Equal(t, uint16(2), decoded.level)
	require.Equal(t, []common.PageId{4, 5, 6}, decoded.children)
	require.Equal(t, common.InvalidPageId, decoded.next)
	require.Equal(t, 2, decoded.childIndex([]byte("t")))
	require.Equal(t, 1, decoded.childIndex([]byte("n")))
	require.Equal(t, 0, decoded.childIndex([]byte("a")))

	decoded.removeChild(0)
	require.Equal(t, [][]byte{[]byte("t")}, decoded.keys)
	require.Equal(t, []common.PageId{4, 6}, decoded.children)
}

func TestNode_Corrupt(t *testing.T) {
	data := make([]byte, common.PageSize)

	// A page that was never written.
	_, err := decodeNode(1, data)
	require.True(t, errors.Is(err, common.ErrCorruptPage))

	leaf := newLeaf()
	leaf.insertEntry(0, []byte("key"), []byte("value"))
	leaf.encode(data)
	data[nodeHeaderSize+1] ^= 0xff
	_, err = decodeNode(1, data)
	require.True(t, errors.Is(err, common.ErrCorruptPage))

	// Checksummed garbage is still rejected by the bounds checks.
	leaf.encode(data)
	data[nodeTagOffset] = 7
	resealed := pageChecksum(data)
	putChecksum(data, resealed)
	_, err = decodeNode(1, data)
	require.True(t, errors.Is(err, common.ErrCorruptPage))

	leaf.encode(data)
	data[nodeCountOffset] = 0xff
	data[nodeCountOffset+1] = 0xff
	putChecksum(data, pageChecksum(data))
	_, err = decodeNode(1, data)
	require.True(t, errors.Is(err, common.ErrCorruptPage))
}

func TestMeta_Corrupt(t *testing.T) {
	data := make([]byte, common.PageSize)
	meta := &treeMeta{order: 4, maxKeySize: 8, maxValueSize: 8, root: 2}
	meta.encode(data)
	decoded, err := decodeMeta(1, data)
	require.Nil(t, err)
	require.Equal(t, meta, decoded)

	data[metaRootOffset] = 3
	_, err = decodeMeta(1, data)
	require.True(t, errors.Is(err, common.ErrCorruptPage))
}
