package disk

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"pagestore/src/common"
)

const (
	headerMagic   uint32 = 0x50475354 // "PGST"
	headerVersion uint16 = 1

	headerMagicOffset    = 0
	headerVersionOffset  = 4
	headerNextPageOffset = 8
	headerNumFreeOffset  = 12
	headerChecksumOffset = 16
	headerFreeListOffset = 24

	// maxFreePages is how many deallocated ids fit in the header page.
	maxFreePages = (common.PageSize - headerFreeListOffset) / 4
)

// headerPageInfo is a view over the raw bytes of page 0. The free list is
// kept in deallocation order and reused oldest first.
type headerPageInfo struct {
	data []byte
}

func createHeaderPageInfo(data []byte) *headerPageInfo {
	return &headerPageInfo{data: data}
}

func (hdr *headerPageInfo) init() {
	for i := range hdr.data {
		hdr.data[i] = 0
	}
	binary.LittleEndian.PutUint32(hdr.data[headerMagicOffset:], headerMagic)
	binary.LittleEndian.PutUint16(hdr.data[headerVersionOffset:], headerVersion)
	hdr.setNextPageId(1)
	hdr.setNumFreePages(0)
}

func (hdr *headerPageInfo) nextPageId() common.PageId {
	return common.PageId(int32(binary.LittleEndian.Uint32(hdr.data[headerNextPageOffset:])))
}

func (hdr *headerPageInfo) setNextPageId(id common.PageId) {
	binary.LittleEndian.PutUint32(hdr.data[headerNextPageOffset:], uint32(id))
}

func (hdr *headerPageInfo) numFreePages() int32 {
	return int32(binary.LittleEndian.Uint32(hdr.data[headerNumFreeOffset:]))
}

func (hdr *headerPageInfo) setNumFreePages(n int32) {
	binary.LittleEndian.PutUint32(hdr.data[headerNumFreeOffset:], uint32(n))
}

func (hdr *headerPageInfo) get(i int32) common.PageId {
	off := headerFreeListOffset + 4*int(i)
	return common.PageId(int32(binary.LittleEndian.Uint32(hdr.data[off:])))
}

func (hdr *headerPageInfo) set(i int32, id common.PageId) {
	off := headerFreeListOffset + 4*int(i)
	binary.LittleEndian.PutUint32(hdr.data[off:], uint32(id))
}

func (hdr *headerPageInfo) hasFreePage() bool {
	return hdr.numFreePages() > 0
}

func (hdr *headerPageInfo) isFree(id common.PageId) bool {
	for i := int32(0); i < hdr.numFreePages(); i++ {
		if hdr.get(i) == id {
			return true
		}
	}
	return false
}

func (hdr *headerPageInfo) popFreePage() common.PageId {
	n := hdr.numFreePages()
	ret := hdr.get(0)
	start := headerFreeListOffset
	copy(hdr.data[start:start+4*int(n-1)], hdr.data[start+4:start+4*int(n)])
	hdr.set(n-1, 0)
	hdr.setNumFreePages(n - 1)
	return ret
}

// pushFreePage returns false when the free list is full.
func (hdr *headerPageInfo) pushFreePage(pageId common.PageId) bool {
	n := hdr.numFreePages()
	if int(n) >= maxFreePages {
		return false
	}
	hdr.set(n, pageId)
	hdr.setNumFreePages(n + 1)
	return true
}

func (hdr *headerPageInfo) checksum() uint64 {
	d := xxhash.New()
	_, _ = d.Write(hdr.data[:headerChecksumOffset])
	_, _ = d.Write(hdr.data[headerFreeListOffset:])
	return d.Sum64()
}

func (hdr *headerPageInfo) seal() {
	binary.LittleEndian.PutUint64(hdr.data[headerChecksumOffset:], hdr.checksum())
}

func (hdr *headerPageInfo) validate() bool {
	if binary.LittleEndian.Uint32(hdr.data[headerMagicOffset:]) != headerMagic {
		return false
	}
	if binary.LittleEndian.Uint16(hdr.data[headerVersionOffset:]) != headerVersion {
		return false
	}
	if binary.LittleEndian.Uint64(hdr.data[headerChecksumOffset:]) != hdr.checksum() {
		return false
	}
	n := hdr.numFreePages()
	return n >= 0 && int(n) <= maxFreePages && hdr.nextPageId() >= 1
}
