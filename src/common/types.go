package common

import "fmt"

const (
	// PageSize is the size of every page in the backing file and of every frame.
	PageSize = 4096

	// HeaderPageId is reserved for allocation metadata.
	HeaderPageId = PageId(0)
)

type PageId int32

const InvalidPageId = PageId(-1)

func (id PageId) IsValid() bool { return id > HeaderPageId }

func (id PageId) String() string {
	if id == InvalidPageId {
		return "invalid"
	}
	return fmt.Sprintf("%d", int32(id))
}

// FrameId indexes a slot of the buffer pool.
type FrameId int
