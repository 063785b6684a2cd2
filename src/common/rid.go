package common

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// RIDSize is the encoded length of a RID used as an index value.
const RIDSize = 8

type RID struct {
	PageId  PageId
	SlotNum int
}

func (rid *RID) String() string {
	return fmt.Sprintf("[Page id %d, slot num %d]", rid.PageId, rid.SlotNum)
}

// Bytes encodes the RID so it can be stored as an opaque index value.
func (rid RID) Bytes() []byte {
	buf := make([]byte, RIDSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rid.PageId))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(rid.SlotNum))
	return buf
}

func RIDFromBytes(data []byte) (RID, error) {
	if len(data) != RIDSize {
		return RID{}, errors.Errorf("rid must be %d bytes, got %d", RIDSize, len(data))
	}
	return RID{
		PageId:  PageId(int32(binary.LittleEndian.Uint32(data[0:4]))),
		SlotNum: int(int32(binary.LittleEndian.Uint32(data[4:8]))),
	}, nil
}
