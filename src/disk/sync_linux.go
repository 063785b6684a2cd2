package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(fi *os.File) error {
	return unix.Fdatasync(int(fi.Fd()))
}
