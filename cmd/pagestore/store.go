package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"pagestore/src/common"
	"pagestore/src/disk"
	"pagestore/src/index"
	"pagestore/src/table"
)

// Fixed layout of a database file: the tree is created first, so its
// metadata and first root take pages 1 and 2; the heap directory follows.
const (
	treeMetaPageId   = common.PageId(1)
	heapHeaderPageId = common.PageId(3)
)

// store is a document heap indexed by a B+ tree whose values are RIDs.
type store struct {
	bpm  *disk.BufferPoolManager
	tree *index.BPlusTree
	heap *table.TableHeap
}

func openStore(opts common.Options) (*store, error) {
	bpm, err := disk.OpenBufferPoolManager(opts)
	if err != nil {
		return nil, err
	}
	s := &store{bpm: bpm}
	if bpm.DiskManager().NumPages() == 1 {
		err = s.create(opts)
	} else {
		err = s.open()
	}
	if err != nil {
		bpm.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) create(opts common.Options) error {
	tree, err := index.Create(s.bpm, opts)
	if err != nil {
		return err
	}
	heap, err := table.NewTableHeap(s.bpm)
	if err != nil {
		return err
	}
	if tree.MetaPageId() != treeMetaPageId || heap.HeaderPageId() != heapHeaderPageId {
		return errors.Errorf("unexpected layout: tree meta page %d, heap header page %d",
			tree.MetaPageId(), heap.HeaderPageId())
	}
	s.tree, s.heap = tree, heap
	log.WithFields(log.Fields{"path": opts.Path, "order": opts.Order}).Info("Created database.")
	return nil
}

func (s *store) open() error {
	tree, err := index.Open(s.bpm, treeMetaPageId)
	if err != nil {
		return err
	}
	heap, err := table.OpenTableHeap(s.bpm, heapHeaderPageId)
	if err != nil {
		return err
	}
	s.tree, s.heap = tree, heap
	return nil
}

// Close frees pages left over from merges and flushes everything to disk.
func (s *store) Close() error {
	if s.tree != nil {
		if pending := s.tree.Reclaim(); pending > 0 {
			log.Warnf("%d merged tree pages are still pinned and stay allocated.", pending)
		}
	}
	return s.bpm.Close()
}

// insert stores doc under key. A duplicate key leaves the store unchanged.
func (s *store) insert(key []byte, doc bson.Raw) error {
	rid, err := s.heap.Insert(doc)
	if err != nil {
		return err
	}
	if err := s.tree.Insert(key, rid.Bytes()); err != nil {
		if derr := s.heap.Delete(rid); derr != nil {
			log.WithError(derr).Errorf("Cannot drop orphaned record %s.", rid.String())
		}
		return err
	}
	return nil
}

func (s *store) lookup(key []byte) (common.RID, error) {
	value, err := s.tree.Search(key)
	if err != nil {
		return common.RID{}, err
	}
	return common.RIDFromBytes(value)
}

func (s *store) get(key []byte) (bson.Raw, error) {
	rid, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	record, err := s.heap.Get(rid)
	if err != nil {
		return nil, errors.Wrapf(err, "index entry points at %s", rid.String())
	}
	return bson.Raw(record), nil
}

func (s *store) delete(key []byte) error {
	rid, err := s.lookup(key)
	if err != nil {
		return err
	}
	if err := s.tree.Delete(key); err != nil {
		return err
	}
	return s.heap.Delete(rid)
}

func (s *store) scan(w io.Writer, codec keyCodec, start, end []byte, limit int) error {
	it, err := s.tree.ScanRange(start, end)
	if err != nil {
		return err
	}
	defer it.Close()
	for n := 0; limit == 0 || n < limit; n++ {
		if !it.Next() {
			break
		}
		rid, err := common.RIDFromBytes(it.Value())
		if err != nil {
			return err
		}
		record, err := s.heap.Get(rid)
		if err != nil {
			return errors.Wrapf(err, "key %s", codec.format(it.Key()))
		}
		fmt.Fprintf(w, "%s\t%s\n", codec.format(it.Key()), bson.Raw(record).String())
	}
	return it.Err()
}

// verify checks the tree structure and that the index and the heap refer to
// the same records. It returns the number of keys.
func (s *store) verify() (int, error) {
	if err := s.tree.Verify(); err != nil {
		return 0, err
	}
	referenced := make(map[common.RID]bool)
	it, err := s.tree.Scan(nil)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	for it.Next() {
		rid, err := common.RIDFromBytes(it.Value())
		if err != nil {
			return 0, errors.Wrapf(err, "key %x", it.Key())
		}
		if referenced[rid] {
			return 0, errors.Errorf("record %s is indexed twice", rid.String())
		}
		referenced[rid] = true
	}
	if err := it.Err(); err != nil {
		return 0, err
	}

	records := 0
	var orphan *common.RID
	err = s.heap.Scan(func(rid common.RID, record []byte) bool {
		records++
		if !referenced[rid] {
			orphan = &rid
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if orphan != nil {
		return 0, errors.Errorf("record %s is not indexed", orphan.String())
	}
	if records != len(referenced) {
		return 0, errors.Errorf("%d index entries but %d records", len(referenced), records)
	}
	return records, nil
}

func (s *store) printStats(w io.Writer) error {
	stats := s.bpm.Stats()
	height, err := s.tree.Height()
	if err != nil {
		return err
	}
	keys, err := s.tree.Count()
	if err != nil {
		return err
	}
	var fileSize int64
	if info, err := os.Stat(s.bpm.DiskManager().FileName()); err == nil {
		fileSize = info.Size()
	}
	hitRatio := 0.0
	if total := stats.Hits + stats.Misses; total > 0 {
		hitRatio = float64(stats.Hits) / float64(total)
	}

	fmt.Fprintf(w, "file:       %s (%s)\n", s.bpm.DiskManager().FileName(), humanize.IBytes(uint64(fileSize)))
	fmt.Fprintf(w, "pages:      %s, %s free\n", humanize.Comma(int64(stats.FilePages)), humanize.Comma(int64(stats.FreeFilePages)))
	fmt.Fprintf(w, "pool:       %d frames (%s), %d resident, %d pinned, %d dirty\n",
		stats.PoolSize, humanize.IBytes(uint64(stats.PoolSize*common.PageSize)), stats.Resident, stats.Pinned, stats.Dirty)
	fmt.Fprintf(w, "cache:      %s hits, %s misses (%.1f%%), %s evictions\n",
		humanize.Comma(stats.Hits), humanize.Comma(stats.Misses), 100*hitRatio, humanize.Comma(stats.Evictions))
	fmt.Fprintf(w, "disk:       %s reads, %s writes\n", humanize.Comma(stats.DiskReads), humanize.Comma(stats.DiskWrites))
	fmt.Fprintf(w, "index:      order %d, height %d, %s keys\n", s.tree.Order(), height, humanize.Comma(int64(keys)))
	return nil
}
