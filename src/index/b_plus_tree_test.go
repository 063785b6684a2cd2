package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagestore/src/common"
	"pagestore/src/disk"
)

func newTestPool(t *testing.T, path string, size int) *disk.BufferPoolManager {
	dm, err := disk.NewDiskManager(path)
	require.Nil(t, err)
	bpm := disk.NewBufferPoolManager(size, dm, disk.NewLRUKReplacer(size, 2))
	t.Cleanup(func() { bpm.Close() })
	return bpm
}

func newTestTree(t *testing.T, order, poolSize int) *BPlusTree {
	bpm := newTestPool(t, filepath.Join(t.TempDir(), "tmp-file"), poolSize)
	opts := common.DefaultOptions()
	opts.Order = order
	opts.MaxKeySize = 8
	opts.MaxValueSize = 16
	tree, err := Create(bpm, opts)
	require.Nil(t, err)
	return tree
}

// intKey encodes i big endian so that byte order matches numeric order.
func intKey(i int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(i))
	return key
}

func intKeyValue(key []byte) uint32 {
	return binary.BigEndian.Uint32(key)
}

func intValue(i int) []byte {
	return []byte(fmt.Sprintf("v%d", i))
}

func scanAll(t *testing.T, tree *BPlusTree, start, end []byte) []int {
	it, err := tree.ScanRange(start, end)
	require.Nil(t, err)
	defer it.Close()
	var keys []int
	for it.Next() {
		keys = append(keys, int(intKeyValue(it.Key())))
	}
	require.Nil(t, it.Err())
	return keys
}

func TestBPlusTree_Create(t *testing.T) {
	tree := newTestTree(t, 4, 8)
	require.Equal(t, 4, tree.Order())
	require.True(t, tree.MetaPageId().IsValid())

	height, err := tree.Height()
	require.Nil(t, err)
	require.Equal(t, 1, height)
	count, err := tree.Count()
	require.Nil(t, err)
	require.Equal(t, 0, count)
	require.Nil(t, tree.Verify())

	_, err = tree.Search(intKey(1))
	require.True(t, errors.Is(err, common.ErrKeyNotFound))
	require.True(t, errors.Is(tree.Delete(intKey(1)), common.ErrKeyNotFound))
}

func TestBPlusTree_InvalidOrder(t *testing.T) {
	bpm := newTestPool(t, filepath.Join(t.TempDir(), "tmp-file"), 4)
	opts := common.DefaultOptions()

	opts.Order = 2
	_, err := Create(bpm, opts)
	require.True(t, errors.Is(err, common.ErrInvalidOrder))

	// 200 entries of 48 byte keys and values cannot share a 4KB page.
	opts.Order = 200
	_, err = Create(bpm, opts)
	require.True(t, errors.Is(err, common.ErrInvalidOrder))

	opts.Order = 4
	opts.MaxKeySize = 0
	_, err = Create(bpm, opts)
	require.True(t, errors.Is(err, common.ErrInvalidOrder))
	opts.MaxKeySize = 48
	opts.MaxValueSize = -1
	_, err = Create(bpm, opts)
	require.True(t, errors.Is(err, common.ErrInvalidOrder))

	// Tree settings are not the buffer pool's concern.
	opts.Order = 2
	opts.Path = filepath.Join(t.TempDir(), "other-file")
	require.Nil(t, opts.Validate())

	opts.Order = 3
	opts.MaxValueSize = 48
	_, err = Create(bpm, opts)
	require.Nil(t, err)
}

func TestBPlusTree_InsertErrors(t *testing.T) {
	tree := newTestTree(t, 4, 8)

	require.Nil(t, tree.Insert(intKey(1), intValue(1)))
	require.True(t, errors.Is(tree.Insert(intKey(1), intValue(2)), common.ErrDuplicateKey))
	require.True(t, errors.Is(tree.Insert(make([]byte, 9), nil), common.ErrKeyTooLarge))
	require.True(t, errors.Is(tree.Insert(intKey(2), make([]byte, 17)), common.ErrValueTooLarge))

	value, err := tree.Search(intKey(1))
	require.Nil(t, err)
	require.Equal(t, intValue(1), value)

	// The tree keeps its own copy of the entry.
	key, value := intKey(2), intValue(2)
	require.Nil(t, tree.Insert(key, value))
	key[3], value[0] = 9, 'x'
	value, err = tree.Search(intKey(2))
	require.Nil(t, err)
	require.Equal(t, intValue(2), value)

	// Empty values are allowed.
	require.Nil(t, tree.Insert(intKey(3), nil))
	value, err = tree.Search(intKey(3))
	require.Nil(t, err)
	require.Empty(t, value)
}

func TestBPlusTree_SequentialInsertScan(t *testing.T) {
	tree := newTestTree(t, 32, 64)

	for i := 1; i <= 1000; i++ {
		require.Nil(t, tree.Insert(intKey(i), intValue(i)))
	}
	require.Nil(t, tree.Verify())

	keys := scanAll(t, tree, intKey(1), nil)
	require.Len(t, keys, 1000)
	for i, key := range keys {
		require.Equal(t, i+1, key)
	}
	for i := 1; i <= 1000; i++ {
		value, err := tree.Search(intKey(i))
		require.Nil(t, err)
		require.Equal(t, intValue(i), value)
	}

	height, err := tree.Height()
	require.Nil(t, err)
	require.Equal(t, 3, height)
}

func TestBPlusTree_SplitAndMerge(t *testing.T) {
	tree := newTestTree(t, 4, 16)
	dm := tree.bpm.DiskManager()

	for i := 1; i <= 10; i++ {
		require.Nil(t, tree.Insert(intKey(i), intValue(i)))
		require.Nil(t, tree.Verify())

		height, err := tree.Height()
		require.Nil(t, err)
		switch {
		case i <= 3:
			require.Equal(t, 1, height)
		case i <= 9:
			require.Equal(t, 2, height)
		default:
			require.Equal(t, 3, height)
		}
	}
	require.Equal(t, 0, dm.NumFreePages())

	lastHeight := 3
	for i := 10; i >= 1; i-- {
		require.Nil(t, tree.Delete(intKey(i)))
		require.Nil(t, tree.Verify())

		count, err := tree.Count()
		require.Nil(t, err)
		require.Equal(t, i-1, count)
		_, err = tree.Search(intKey(i))
		require.True(t, errors.Is(err, common.ErrKeyNotFound))

		height, err := tree.Height()
		require.Nil(t, err)
		require.LessOrEqual(t, height, lastHeight)
		lastHeight = height
	}
	require.Equal(t, 1, lastHeight)
	// Every merged or collapsed node went back to the free list.
	require.Equal(t, dm.NumPages()-3, dm.NumFreePages())
	require.Equal(t, 0, tree.Reclaim())
}

func TestBPlusTree_Random(t *testing.T) {
	tree := newTestTree(t, 5, 16)
	rnd := rand.New(rand.NewSource(42))
	expected := make(map[int]bool)

	for op := 0; op < 4000; op++ {
		k := rnd.Intn(500)
		if rnd.Intn(3) > 0 {
			err := tree.Insert(intKey(k), intValue(k))
			if expected[k] {
				require.True(t, errors.Is(err, common.ErrDuplicateKey))
			} else {
				require.Nil(t, err)
			}
			expected[k] = true
		} else {
			err := tree.Delete(intKey(k))
			if expected[k] {
				require.Nil(t, err)
			} else {
				require.True(t, errors.Is(err, common.ErrKeyNotFound))
			}
			delete(expected, k)
		}
		if op%250 == 0 {
			require.Nil(t, tree.Verify())
		}
	}
	require.Nil(t, tree.Verify())

	var keys []int
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	require.Equal(t, keys, scanAll(t, tree, nil, nil))

	for k := range expected {
		require.Nil(t, tree.Delete(intKey(k)))
	}
	require.Nil(t, tree.Verify())
	height, err := tree.Height()
	require.Nil(t, err)
	require.Equal(t, 1, height)
}

func TestBPlusTree_ConcurrentInsert(t *testing.T) {
	tree := newTestTree(t, 8, 64)
	const perThread = 1000

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := base; i < base+perThread; i++ {
				assert.Nil(t, tree.Insert(intKey(i), intValue(i)))
			}
		}(g * perThread)
	}
	wg.Wait()

	require.Nil(t, tree.Verify())
	for i := 0; i < 2*perThread; i++ {
		value, err := tree.Search(intKey(i))
		require.Nil(t, err)
		require.Equal(t, intValue(i), value)
	}
	count, err := tree.Count()
	require.Nil(t, err)
	require.Equal(t, 2*perThread, count)
}

func TestBPlusTree_ConcurrentMixed(t *testing.T) {
	tree := newTestTree(t, 4, 256)
	const writers, perWriter = 4, 300

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var scanners sync.WaitGroup
	for s := 0; s < 2; s++ {
		scanners.Add(1)
		go func() {
			defer scanners.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it, err := tree.Scan(nil)
				if !assert.Nil(t, err) {
					return
				}
				var last []byte
				for it.Next() {
					if last != nil {
						assert.True(t, bytes.Compare(last, it.Key()) < 0)
					}
					last = append(last[:0], it.Key()...)
				}
				assert.Nil(t, it.Err())
				it.Close()
			}
		}()
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// Writers interleave their keys so that they share leaves.
			for i := 0; i < perWriter; i++ {
				k := i*writers + w
				assert.Nil(t, tree.Insert(intKey(k), intValue(k)))
			}
			for i := 0; i < perWriter; i += 2 {
				assert.Nil(t, tree.Delete(intKey(i*writers+w)))
			}
			for i := 0; i < perWriter; i++ {
				k := i*writers + w
				value, err := tree.Search(intKey(k))
				if i%2 == 0 {
					assert.True(t, errors.Is(err, common.ErrKeyNotFound))
				} else if assert.Nil(t, err) {
					assert.Equal(t, intValue(k), value)
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	scanners.Wait()

	require.Nil(t, tree.Verify())
	require.Equal(t, 0, tree.Reclaim())
	keys := scanAll(t, tree, nil, nil)
	require.Len(t, keys, writers*perWriter/2)
	for _, k := range keys {
		require.Equal(t, 1, (k/writers)%2)
	}
}

func TestBPlusTree_BufferPoolExhausted(t *testing.T) {
	// Three frames hold the metadata page, the root leaf and one more page,
	// which is not enough for a root split.
	tree := newTestTree(t, 4, 3)
	for i := 1; i <= 3; i++ {
		require.Nil(t, tree.Insert(intKey(i), intValue(i)))
	}
	err := tree.Insert(intKey(4), intValue(4))
	require.True(t, errors.Is(err, common.ErrBufferPoolExhausted))

	require.Nil(t, tree.Verify())
	require.Equal(t, []int{1, 2, 3}, scanAll(t, tree, nil, nil))
	require.Equal(t, 1, tree.bpm.DiskManager().NumFreePages())
}

func pinPages(t *testing.T, bpm *disk.BufferPoolManager, n int) []common.PageId {
	pageIds := make([]common.PageId, 0, n)
	for i := 0; i < n; i++ {
		page, err := bpm.NewPage()
		require.Nil(t, err)
		pageIds = append(pageIds, page.PageId())
	}
	return pageIds
}

func unpinPages(t *testing.T, bpm *disk.BufferPoolManager, pageIds []common.PageId) {
	for _, pageId := range pageIds {
		require.Nil(t, bpm.UnpinPage(pageId, false))
		require.Nil(t, bpm.DeletePage(pageId))
	}
}

func TestBPlusTree_DeleteBufferPoolExhausted(t *testing.T) {
	// Order 3 nodes hold one or two keys, so most deletes borrow or merge
	// on several levels. Every delete is retried with fewer frames pinned
	// elsewhere until it goes through.
	const numKeys = 27
	const poolSize = 24
	tree := newTestTree(t, 3, poolSize)
	for i := 1; i <= numKeys; i++ {
		require.Nil(t, tree.Insert(intKey(i), intValue(i)))
	}
	height, err := tree.Height()
	require.Nil(t, err)
	require.GreaterOrEqual(t, height, 3)

	failures := 0
	for _, k := range rand.New(rand.NewSource(7)).Perm(numKeys) {
		key := intKey(k + 1)
		deleted := false
		for pinned := poolSize - 1; pinned >= 0 && !deleted; pinned-- {
			pageIds := pinPages(t, tree.bpm, pinned)
			err := tree.Delete(key)
			unpinPages(t, tree.bpm, pageIds)
			require.Nil(t, tree.Verify(), "key %d with %d frames pinned", k+1, pinned)

			if err == nil {
				deleted = true
				continue
			}
			require.True(t, errors.Is(err, common.ErrBufferPoolExhausted), "%v", err)
			failures++
			value, err := tree.Search(key)
			require.Nil(t, err)
			require.Equal(t, intValue(k+1), value)
		}
		require.True(t, deleted, "key %d", k+1)
		_, err := tree.Search(key)
		require.True(t, errors.Is(err, common.ErrKeyNotFound))
	}
	require.Greater(t, failures, 0)

	count, err := tree.Count()
	require.Nil(t, err)
	require.Equal(t, 0, count)
	require.Equal(t, 0, tree.Reclaim())
	require.Equal(t, 0, tree.bpm.Stats().Pinned)
}

func TestBPlusTree_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmp-file")
	bpm := newTestPool(t, path, 16)
	opts := common.DefaultOptions()
	opts.Order = 6
	tree, err := Create(bpm, opts)
	require.Nil(t, err)
	for i := 0; i < 500; i++ {
		require.Nil(t, tree.Insert(intKey(i), intValue(i)))
	}
	for i := 0; i < 500; i += 3 {
		require.Nil(t, tree.Delete(intKey(i)))
	}
	metaPageId := tree.MetaPageId()
	require.Nil(t, bpm.Close())

	bpm = newTestPool(t, path, 16)
	tree, err = Open(bpm, metaPageId)
	require.Nil(t, err)
	require.Equal(t, 6, tree.Order())
	require.Nil(t, tree.Verify())
	for i := 0; i < 500; i++ {
		value, err := tree.Search(intKey(i))
		if i%3 == 0 {
			require.True(t, errors.Is(err, common.ErrKeyNotFound))
			continue
		}
		require.Nil(t, err)
		require.Equal(t, intValue(i), value)
	}

	// A node page is not a metadata page.
	root, err := tree.rootPageId()
	require.Nil(t, err)
	_, err = Open(bpm, root)
	require.True(t, errors.Is(err, common.ErrCorruptPage))
}

func TestBPlusTree_CorruptPage(t *testing.T) {
	tree := newTestTree(t, 4, 16)
	for i := 1; i <= 10; i++ {
		require.Nil(t, tree.Insert(intKey(i), intValue(i)))
	}
	root, err := tree.rootPageId()
	require.Nil(t, err)

	guard, err := tree.bpm.FetchPageWrite(root)
	require.Nil(t, err)
	guard.Data()[nodeHeaderSize+3] ^= 0x5a
	guard.MarkDirty()
	guard.Release()

	_, err = tree.Search(intKey(5))
	require.True(t, errors.Is(err, common.ErrCorruptPage))
	require.True(t, errors.Is(tree.Insert(intKey(11), nil), common.ErrCorruptPage))
	require.True(t, errors.Is(tree.Delete(intKey(5)), common.ErrCorruptPage))
	require.True(t, errors.Is(tree.Verify(), common.ErrCorruptPage))
	_, err = tree.Scan(nil)
	require.True(t, errors.Is(err, common.ErrCorruptPage))

	// Every latch was given back on the error paths.
	stats := tree.bpm.Stats()
	require.Equal(t, 0, stats.Pinned)
}

func TestBPlusTree_Dump(t *testing.T) {
	tree := newTestTree(t, 4, 16)
	for c := 'a'; c <= 'j'; c++ {
		require.Nil(t, tree.Insert([]byte{byte(c)}, []byte{byte(c)}))
	}
	require.Nil(t, tree.Insert([]byte{0x01, 0xff}, nil))

	var buf bytes.Buffer
	require.Nil(t, tree.Dump(&buf))
	out := buf.String()
	require.Contains(t, out, fmt.Sprintf("B+ tree: meta page %d, order 4", tree.MetaPageId()))
	require.Contains(t, out, "Level 2:")
	require.Contains(t, out, "Level 0:")
	require.Contains(t, out, "INTERNAL keys=[g]")
	require.Contains(t, out, "LEAF keys=[0x01ff a b]")
	require.Contains(t, out, "LEAF keys=[i j] next=invalid")
}
