//go:build !linux
// +build !linux

package z

import "os"

// dataSyncFileFlag is not supported outside of linux, writes are synced explicitly with FileSync instead.
const dataSyncFileFlag = 0x0

// FileSync flushes the file to stable storage.
func FileSync(f *os.File) error {
	return f.Sync()
}
