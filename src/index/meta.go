package index

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"pagestore/src/common"
)

const (
	metaMagic   uint32 = 0x42505452 // "BPTR"
	metaVersion uint16 = 1

	metaMagicOffset    = 0
	metaVersionOffset  = 4
	metaOrderOffset    = 8
	metaMaxKeyOffset   = 12
	metaMaxValueOffset = 16
	metaRootOffset     = 20
	metaChecksumOffset = 24
	metaSize           = 32
)

// treeMeta is the content of the metadata page. Its page latch protects the
// root pointer.
type treeMeta struct {
	order        int
	maxKeySize   int
	maxValueSize int
	root         common.PageId
}

func (m *treeMeta) encode(data []byte) {
	for i := range data[:metaSize] {
		data[i] = 0
	}
	binary.LittleEndian.PutUint32(data[metaMagicOffset:], metaMagic)
	binary.LittleEndian.PutUint16(data[metaVersionOffset:], metaVersion)
	binary.LittleEndian.PutUint32(data[metaOrderOffset:], uint32(m.order))
	binary.LittleEndian.PutUint32(data[metaMaxKeyOffset:], uint32(m.maxKeySize))
	binary.LittleEndian.PutUint32(data[metaMaxValueOffset:], uint32(m.maxValueSize))
	binary.LittleEndian.PutUint32(data[metaRootOffset:], uint32(m.root))
	binary.LittleEndian.PutUint64(data[metaChecksumOffset:], xxhash.Sum64(data[:metaChecksumOffset]))
}

func decodeMeta(pageId common.PageId, data []byte) (*treeMeta, error) {
	if binary.LittleEndian.Uint32(data[metaMagicOffset:]) != metaMagic {
		return nil, corruptf(pageId, "not a tree metadata page")
	}
	if v := binary.LittleEndian.Uint16(data[metaVersionOffset:]); v != metaVersion {
		return nil, corruptf(pageId, "unsupported metadata version %d", v)
	}
	if binary.LittleEndian.Uint64(data[metaChecksumOffset:]) != xxhash.Sum64(data[:metaChecksumOffset]) {
		return nil, corruptf(pageId, "metadata checksum mismatch")
	}
	m := &treeMeta{
		order:        int(binary.LittleEndian.Uint32(data[metaOrderOffset:])),
		maxKeySize:   int(binary.LittleEndian.Uint32(data[metaMaxKeyOffset:])),
		maxValueSize: int(binary.LittleEndian.Uint32(data[metaMaxValueOffset:])),
		root:         common.PageId(int32(binary.LittleEndian.Uint32(data[metaRootOffset:]))),
	}
	if !m.root.IsValid() {
		return nil, corruptf(pageId, "invalid root page %d", m.root)
	}
	if err := checkLayout(m.order, m.maxKeySize, m.maxValueSize); err != nil {
		return nil, corruptf(pageId, "%v", err)
	}
	return m, nil
}

func rootOf(pageId common.PageId, data []byte) (common.PageId, error) {
	m, err := decodeMeta(pageId, data)
	if err != nil {
		return common.InvalidPageId, err
	}
	return m.root, nil
}
