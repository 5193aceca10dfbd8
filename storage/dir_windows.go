//go:build windows
// +build windows

package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type (
	// directoryLockGuard holds a lock file inside of the directory. Windows does not allow the directory itself to be
	// locked, the lock file is created exclusively instead.
	directoryLockGuard struct {
		file *os.File
		path string
	}
)

// acquireDirectoryLock creates the lock file exclusively, it fails if another process already holds it.
func acquireDirectoryLock(dirPath string, pidFileName string, readOnly bool) (*directoryLockGuard, error) {
	if readOnly {
		return &directoryLockGuard{}, nil
	}

	absoluteLockFilePath, err := filepath.Abs(filepath.Join(dirPath, pidFileName))
	if err != nil {
		return nil, errors.Wrap(err, "cannot get absolute path for lock file")
	}

	file, err := os.OpenFile(absoluteLockFilePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, errors.Wrapf(err,
			"cannot create lock file %q. Another process is using this directory.", absoluteLockFilePath)
	}

	return &directoryLockGuard{
		file: file,
		path: absoluteLockFilePath,
	}, nil
}

// release closes and removes the lock file.
func (guard *directoryLockGuard) release() error {
	if guard.file == nil {
		return nil
	}

	if err := guard.file.Close(); err != nil {
		return err
	}

	return os.Remove(guard.path)
}

// syncDir is a no-op on windows, directory entries cannot be synced.
func syncDir(dir string) error {
	return nil
}
