//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package disk

import (
	"os"

	"golang.org/x/sys/unix"

	"pagestore/src/common"
)

// lockFile takes an exclusive advisory lock so two processes never share a
// database file.
func lockFile(fi *os.File) error {
	err := unix.Flock(int(fi.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return common.ErrFileLocked
	}
	return err
}

func unlockFile(fi *os.File) {
	_ = unix.Flock(int(fi.Fd()), unix.LOCK_UN)
}
