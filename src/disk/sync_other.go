//go:build !linux

package disk

import "os"

func fdatasync(fi *os.File) error {
	return fi.Sync()
}
