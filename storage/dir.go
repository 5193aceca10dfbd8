package storage

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"path"
	"path/filepath"
	"strings"

	"github.com/elliotcourant/timber"
)

const (
	lockFileName = "LOCK"

	// LogFileExtension is the extension used for every commit log file.
	LogFileExtension = ".clog"

	// LogFileNameLength is the number of hexadecimal characters that make up the file id portion of a log file name.
	LogFileNameLength = 16

	// logRewriteFileName is the name of the file a commit log is written to while it is being rewritten. It is
	// renamed once it is complete, if it is found on open then a rewrite was interrupted.
	logRewriteFileName = "REWRITE" + LogFileExtension
)

// ParseFileId reads the file name into a fileId, if the file name could not be parsed then this method will return
// false.
func ParseFileId(name string) (fileId uint64, ok bool) {
	name = path.Base(name)

	// Make sure the provided file has the correct file extension.
	if !strings.HasSuffix(name, LogFileExtension) {
		// The file does not have the right file extension so it's not a valid log file. We should simply return now.
		return
	}

	name = strings.TrimSuffix(name, LogFileExtension)

	// If the file name is not long enough or is too long then the file is not valid and we should return.
	if len(name) != LogFileNameLength {
		return
	}

	fileIdSegment, err := hex.DecodeString(name)
	if err != nil {
		// If there was something wrong decode the hexadecimal string then we need to return false.
		timber.Warningf("could not decode fileId for log file %s: %v", name, err)
		return
	}

	return binary.BigEndian.Uint64(fileIdSegment), true
}

// IdToFileName returns the name of the commit log file with the provided id.
func IdToFileName(fileId uint64) string {
	return fmt.Sprintf("%016X%s", fileId, LogFileExtension)
}

// LogFilePath combines the directory with the id to make a commit log file path.
func LogFilePath(directory string, fileId uint64) string {
	return filepath.Join(directory, IdToFileName(fileId))
}

// getLogFileIds returns the ids of every commit log file in the directory, anything that is not a log file is ignored.
func getLogFileIds(directory string) (map[uint64]struct{}, error) {
	fileInfoList, err := ioutil.ReadDir(directory)
	if err != nil {
		return nil, err
	}

	idMap := map[uint64]struct{}{}
	for _, info := range fileInfoList {
		if info.IsDir() {
			continue
		}

		fileId, ok := ParseFileId(info.Name())
		if !ok {
			continue
		}

		idMap[fileId] = struct{}{}
	}

	return idMap, nil
}
