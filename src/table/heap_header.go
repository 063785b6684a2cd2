package table

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"pagestore/src/common"
)

// pageInfo records how much room a heap page has left for inserts.
type pageInfo struct {
	pageId    common.PageId
	leftSpace int32
}

// heapFileHeader is the directory page of a table heap:
//
//	| magic | num pages | (page id, left space) ... |
type heapFileHeader struct {
	data []byte
}

const (
	heapMagic = 0x48454150 // "HEAP"

	heapMagicOffset    = 0
	heapNumPagesOffset = 4
	heapHeaderSize     = 8
	pageInfoSize       = 8

	// maxHeapPages is how many data pages one directory page can track.
	maxHeapPages = (common.PageSize - heapHeaderSize) / pageInfoSize
)

func createHeapFileHeader(data []byte) *heapFileHeader {
	return &heapFileHeader{data: data}
}

func (hdr *heapFileHeader) init() {
	binary.LittleEndian.PutUint32(hdr.data[heapMagicOffset:], heapMagic)
	hdr.setNumPages(0)
}

func (hdr *heapFileHeader) check(pageId common.PageId) error {
	if binary.LittleEndian.Uint32(hdr.data[heapMagicOffset:]) != heapMagic {
		return errors.Wrapf(common.ErrCorruptPage, "page %d is not a heap header", pageId)
	}
	if hdr.numPages() > maxHeapPages {
		return errors.Wrapf(common.ErrCorruptPage, "heap header %d lists %d pages", pageId, hdr.numPages())
	}
	return nil
}

func (hdr *heapFileHeader) numPages() int {
	return int(binary.LittleEndian.Uint32(hdr.data[heapNumPagesOffset:]))
}

func (hdr *heapFileHeader) setNumPages(n int) {
	binary.LittleEndian.PutUint32(hdr.data[heapNumPagesOffset:], uint32(n))
}

func (hdr *heapFileHeader) pageInfoAt(i int) pageInfo {
	pos := heapHeaderSize + i*pageInfoSize
	return pageInfo{
		pageId:    common.PageId(int32(binary.LittleEndian.Uint32(hdr.data[pos:]))),
		leftSpace: int32(binary.LittleEndian.Uint32(hdr.data[pos+4:])),
	}
}

func (hdr *heapFileHeader) putPageInfo(i int, info pageInfo) {
	pos := heapHeaderSize + i*pageInfoSize
	binary.LittleEndian.PutUint32(hdr.data[pos:], uint32(info.pageId))
	binary.LittleEndian.PutUint32(hdr.data[pos+4:], uint32(info.leftSpace))
}

func (hdr *heapFileHeader) getPageInfoList() []pageInfo {
	list := make([]pageInfo, hdr.numPages())
	for i := range list {
		list[i] = hdr.pageInfoAt(i)
	}
	return list
}

func (hdr *heapFileHeader) findPageInfo(pageId common.PageId) int {
	for i := 0; i < hdr.numPages(); i++ {
		if hdr.pageInfoAt(i).pageId == pageId {
			return i
		}
	}
	return -1
}

func (hdr *heapFileHeader) getPageInfo(pageId common.PageId) (pageInfo, bool) {
	i := hdr.findPageInfo(pageId)
	if i < 0 {
		return pageInfo{}, false
	}
	return hdr.pageInfoAt(i), true
}

func (hdr *heapFileHeader) setPageInfo(pageId common.PageId, info pageInfo) bool {
	i := hdr.findPageInfo(pageId)
	if i < 0 {
		return false
	}
	hdr.putPageInfo(i, info)
	return true
}

// pushPageInfo reports false when the directory is full.
func (hdr *heapFileHeader) pushPageInfo(info pageInfo) bool {
	n := hdr.numPages()
	if n >= maxHeapPages {
		return false
	}
	hdr.putPageInfo(n, info)
	hdr.setNumPages(n + 1)
	return true
}
