//go:build linux
// +build linux

package z

import (
	"os"

	"golang.org/x/sys/unix"
)

// dataSyncFileFlag is O_DSYNC (datasync) on linux.
const dataSyncFileFlag = unix.O_DSYNC

// FileSync calls fdatasync on the file. Metadata that is not needed to read the data back (like mtime) is not flushed.
func FileSync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
