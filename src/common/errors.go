package common

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrIO matches every *IOError.
	ErrIO = errors.New("io error")

	ErrInvalidPage     = errors.New("invalid page")
	ErrOutOfSpace      = errors.New("out of space")
	ErrCorruptPage     = errors.New("corrupt page")
	ErrFileLocked      = errors.New("database file is locked by another process")
	ErrPageNotResident = errors.New("page is not in the buffer pool")

	// ErrBufferPoolExhausted is back-pressure: every frame is pinned. Release
	// pins and retry, or abort the operation.
	ErrBufferPoolExhausted = errors.New("buffer pool exhausted")
	ErrPagePinned          = errors.New("page is pinned")
	ErrPinUnderflow        = errors.New("pin count underflow")

	ErrKeyNotFound   = errors.New("key not found")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrInvalidOrder  = errors.New("invalid tree order")

	ErrRecordNotFound = errors.New("record not found")
)

// IOError is a failed read or write against the backing file.
type IOError struct {
	Op     string
	PageId PageId
	Err    error
}

func NewIOError(op string, pageId PageId, err error) *IOError {
	return &IOError{Op: op, PageId: pageId, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s page %d: %v", e.Op, e.PageId, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }
