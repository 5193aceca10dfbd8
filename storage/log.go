package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/elliotcourant/snapkv/options"
	"github.com/elliotcourant/snapkv/pb"
	"github.com/elliotcourant/snapkv/z"
	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

const (
	// logVersion is included in the header of every commit log file to indicate the version of the encoding and
	// format that was used to write it.
	logVersion = 0x01

	// logHeaderSize is the magic text followed by the version.
	logHeaderSize = 8

	// recordHeaderSize is the length of the payload followed by its checksum.
	recordHeaderSize = 8

	// logRewriteRatio is how many discarded versions there must be for every live version before a rewrite is
	// worth doing.
	logRewriteRatio = 1

	// maxLogSize is the largest a commit log file can grow. Value pointers address the file with 32 bit offsets.
	maxLogSize = math.MaxUint32
)

var (
	// magicalText is used to prefix every commit log file. It is used to verify that the file was created by the
	// store and not by something else.
	magicalText = [4]byte{'!', 'S', 'n', 'p'}
)

var (
	// errBadMagic is returned when a commit log file is missing the 4 byte prefix that is used as a signature of the
	// store.
	errBadMagic = errors.New("commit log has bad magic")

	// errStaleValuePointer is returned when a value pointer refers to a commit log that has since been rewritten. The
	// caller should look the version up again to get the relocated pointer.
	errStaleValuePointer = errors.New("value pointer refers to a rewritten commit log")

	// ErrBadLogVersion is returned when a commit log file has a version number that the current store cannot handle.
	ErrBadLogVersion = errors.New("commit log has bad version")

	// ErrLogFull is returned when a batch does not fit in the commit log, even after the log has been rewritten
	// without the versions that were garbage collected.
	ErrLogFull = errors.New("commit log is full")
)

type (
	// commitLog is the append only file every committed batch is written to. On open it is replayed to rebuild the
	// version index. Values that are too large to be kept in the index are read back from it directly.
	//
	// The file consists of a header followed by a sequence of records. Each record is the length of a marshalled
	// pb.Batch, the xxhash checksum of it and then the batch itself. A record is either replayed completely or not at
	// all, a partially written record at the tail is truncated.
	commitLog struct {
		// lock guards the file, its id and the write offset. Readers take it shared, appends and rewrites take it
		// exclusively.
		lock      sync.RWMutex
		file      *os.File
		fileId    uint64
		directory string

		// offset is the size of the file, which is where the next record will be written. It never exceeds
		// maxLogSize.
		offset int64

		sync     bool
		readOnly bool

		// versions is the number of versions the log holds, discarded is how many of them are no longer in the
		// version index. Both are used to decide when the log should be rewritten.
		versions         int
		discarded        int
		rewriteThreshold int
	}

	// countingReader keeps track of how many bytes have been read from the wrapped reader, which is the offset within
	// the file while replaying.
	countingReader struct {
		wrapped *bufio.Reader
		count   int64
	}
)

// Read will read from the buffer into the provided byte slice. It will increment the count for the number of bytes
// read.
func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.wrapped.Read(p)
	r.count += int64(n)

	return
}

// ReadByte will read a single byte and increment the count by one.
func (r *countingReader) ReadByte() (b byte, err error) {
	b, err = r.wrapped.ReadByte()
	if err == nil {
		r.count++
	}
	return
}

func logHeader() []byte {
	buf := make([]byte, logHeaderSize)
	copy(buf[0:4], magicalText[:])
	binary.BigEndian.PutUint32(buf[4:8], logVersion)
	return buf
}

func recordHeader(payload []byte) []byte {
	var lenCrcBuf [recordHeaderSize]byte
	binary.BigEndian.PutUint32(lenCrcBuf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(lenCrcBuf[4:8], xxhash.Checksum32(payload))
	return lenCrcBuf[:]
}

// createCommitLog creates a brand new, empty, commit log file with the provided id.
func createCommitLog(opts Options, fileId uint64) (*commitLog, error) {
	path := LogFilePath(opts.Dir, fileId)
	file, err := z.OpenTruncFile(path, false)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create commit log %q", path)
	}

	if _, err := file.Write(logHeader()); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "failed to write commit log header %q", path)
	}

	if err := z.FileSync(file); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := syncDir(opts.Dir); err != nil {
		_ = file.Close()
		return nil, err
	}

	timber.Infof("created commit log %s", path)

	return &commitLog{
		file:             file,
		fileId:           fileId,
		directory:        opts.Dir,
		offset:           logHeaderSize,
		sync:             opts.SyncMode == options.SyncOnCommit,
		readOnly:         false,
		rewriteThreshold: opts.LogRewriteThreshold,
	}, nil
}

// openCommitLog opens an existing commit log file. It must be replayed before anything is appended to it.
func openCommitLog(opts Options, fileId uint64) (*commitLog, error) {
	path := LogFilePath(opts.Dir, fileId)
	var flags uint32
	if opts.ReadOnly {
		flags |= z.ReadOnly
	}

	file, err := z.OpenExistingFile(path, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open commit log %q", path)
	}

	return &commitLog{
		file:             file,
		fileId:           fileId,
		directory:        opts.Dir,
		sync:             opts.SyncMode == options.SyncOnCommit,
		readOnly:         opts.ReadOnly,
		rewriteThreshold: opts.LogRewriteThreshold,
	}, nil
}

// replay reads every complete record in the log and hands the decoded batch to fn along with the offset of the batch
// within the file. Replay stops at the first record that is cut off or, when verification is enabled, fails its
// checksum. Everything from that point on is truncated unless the log is read only.
func (l *commitLog) replay(
	mode options.ChecksumVerificationMode,
	fn func(batch *pb.Batch, payloadOffset uint32) error,
) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	stat, err := l.file.Stat()
	if err != nil {
		return errors.Wrap(err, "error while trying to read file stats")
	}
	fileSize := stat.Size()

	r := countingReader{
		wrapped: bufio.NewReader(l.file),
	}

	var magicalBuf [logHeaderSize]byte
	if _, err := io.ReadFull(&r, magicalBuf[:]); err != nil {
		return errors.Wrapf(errBadMagic, "could not read: %v", err)
	} else if !bytes.Equal(magicalBuf[0:4], magicalText[:]) {
		return errors.Wrap(errBadMagic, "missing magic prefix")
	}

	if version := binary.BigEndian.Uint32(magicalBuf[4:8]); version != logVersion {
		return errors.Wrapf(ErrBadLogVersion, "expected: %d found: %d", logVersion, version)
	}

	var offset int64
	records := 0
	for {
		offset = r.count
		var lenCrcBuf [recordHeaderSize]byte
		if _, err := io.ReadFull(&r, lenCrcBuf[:]); err != nil {
			// If we hit either of these then we've reached the end of the file. There is either no more data to be
			// read or the last record was cut off and we cannot read it anyway.
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return errors.Wrap(err, "failed to replay commit log")
		}

		length := binary.BigEndian.Uint32(lenCrcBuf[0:4])

		// Sanity check to make sure we don't over-allocate memory. A length past the end of the file can only be a
		// record that was never finished.
		if int64(length) > fileSize-r.count {
			timber.Warningf("commit log %d has a record at offset %d longer than the file, truncating", l.fileId, offset)
			break
		}

		// Nothing past maxLogSize could be addressed by a value pointer, append never writes there.
		if r.count+int64(length) > maxLogSize {
			timber.Warningf("commit log %d has a record at offset %d past the size limit, truncating", l.fileId, offset)
			break
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(&r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return errors.Wrap(err, "failed to replay commit log")
		}

		if mode == options.OnReplay && xxhash.Checksum32(buf) != binary.BigEndian.Uint32(lenCrcBuf[4:8]) {
			timber.Warningf("commit log %d has a bad checksum at offset %d, truncating", l.fileId, offset)
			break
		}

		var batch pb.Batch
		if err := batch.Unmarshal(buf); err != nil {
			timber.Warningf("commit log %d has an unreadable batch at offset %d, truncating: %v", l.fileId, offset, err)
			break
		}

		if err := fn(&batch, uint32(offset+recordHeaderSize)); err != nil {
			return errors.Wrap(err, "failed to apply batch from commit log")
		}

		l.versions += len(batch.Entries)
		records++
	}

	if offset < fileSize {
		if l.readOnly {
			timber.Warningf("commit log %d has %d bytes of garbage at the tail, leaving it in read only mode",
				l.fileId, fileSize-offset)
		} else {
			// Truncate the file so we don't have a half-written record at the end.
			if err := l.file.Truncate(offset); err != nil {
				return errors.Wrapf(err, "failed to truncate commit log %d to %d", l.fileId, offset)
			}
		}
	}

	if _, err := l.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	l.offset = offset
	timber.Debugf("replayed %d batches from commit log %d", records, l.fileId)

	return nil
}

// append writes the payload to the end of the log as a single record. It returns the offset of the payload within
// the file so values inside of it can be pointed to.
func (l *commitLog) append(payload []byte, versions int) (uint32, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.offset+recordHeaderSize+int64(len(payload)) > maxLogSize {
		return 0, errors.Wrapf(ErrLogFull, "commit log %d is %d bytes, cannot append %d more",
			l.fileId, l.offset, recordHeaderSize+len(payload))
	}

	buf := append(recordHeader(payload), payload...)
	if _, err := l.file.Write(buf); err != nil {
		return 0, errors.Wrapf(err, "failed to append to commit log %d", l.fileId)
	}

	if l.sync {
		if err := z.FileSync(l.file); err != nil {
			return 0, errors.Wrapf(err, "failed to sync commit log %d", l.fileId)
		}
	}

	payloadOffset := uint32(l.offset + recordHeaderSize)
	l.offset += int64(len(buf))
	l.versions += versions

	return payloadOffset, nil
}

// read returns the bytes the value pointer refers to. The returned slice is a copy and can be retained.
func (l *commitLog) read(pointer valuePointer) ([]byte, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if pointer.Fid != l.fileId {
		return nil, errStaleValuePointer
	}

	if int64(pointer.Offset)+int64(pointer.Len) > l.offset {
		return nil, errors.Errorf(
			"value pointer [%d:%d] is past the end of commit log %d (%d)",
			pointer.Offset, pointer.Offset+pointer.Len, l.fileId, l.offset,
		)
	}

	buf := make([]byte, pointer.Len)
	if _, err := l.file.ReadAt(buf, int64(pointer.Offset)); err != nil {
		return nil, errors.Wrapf(err, "failed to read value from commit log %d", l.fileId)
	}

	return buf, nil
}

// fits returns true when a record with a payload of the given size can still be appended.
func (l *commitLog) fits(payloadSize int) bool {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return l.offset+recordHeaderSize+int64(payloadSize) <= maxLogSize
}

// reclaimable returns true when some of the versions in the log have been garbage collected, a rewrite would make the
// log smaller.
func (l *commitLog) reclaimable() bool {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return !l.readOnly && l.discarded > 0
}

// discard records that versions written to this log are no longer in the version index. It returns true when enough
// of the log is dead that it should be rewritten.
func (l *commitLog) discard(versions int) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.discarded += versions

	return !l.readOnly &&
		l.discarded > l.rewriteThreshold &&
		l.discarded > logRewriteRatio*(l.versions-l.discarded)
}

// rewrite writes the provided batches to a brand new log file that replaces the current one. Once the new file is
// in place relocate is called for every batch with the offset of its payload in the new file, this happens while the
// log is still locked so no reader can see the new file before the pointers into it have been updated.
func (l *commitLog) rewrite(batches []*pb.Batch, relocate func(index int, payloadOffset uint32, fileId uint64)) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	rewritePath := filepath.Join(l.directory, logRewriteFileName)

	// We don't need to enable sync here because we will explicitly be calling the sync method.
	file, err := z.OpenTruncFile(rewritePath, false)
	if err != nil {
		return err
	}

	writer := bufio.NewWriter(file)
	offsets := make([]uint32, len(batches))
	offset := int64(logHeaderSize)
	versions := 0

	_, err = writer.Write(logHeader())
	for i := 0; err == nil && i < len(batches); i++ {
		payload := batches[i].Marshal()
		if offset+recordHeaderSize+int64(len(payload)) > maxLogSize {
			err = errors.Wrapf(ErrLogFull, "live versions of commit log %d do not fit in a single log", l.fileId)
			break
		}

		if _, err = writer.Write(recordHeader(payload)); err != nil {
			break
		}
		_, err = writer.Write(payload)

		offsets[i] = uint32(offset + recordHeaderSize)
		offset += recordHeaderSize + int64(len(payload))
		versions += len(batches[i].Entries)
	}

	if err == nil {
		err = writer.Flush()
	}

	if err == nil {
		err = z.FileSync(file)
	}

	// In windows the files should be closed before doing a rename.
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(rewritePath)
		return errors.Wrap(err, "failed to write rewritten commit log")
	}

	newFileId := l.fileId + 1
	newPath := LogFilePath(l.directory, newFileId)
	if err := os.Rename(rewritePath, newPath); err != nil {
		return err
	}

	newFile, err := z.OpenExistingFile(newPath, 0)
	if err != nil {
		return err
	}

	if _, err := newFile.Seek(0, io.SeekEnd); err != nil {
		_ = newFile.Close()
		return err
	}

	if err := syncDir(l.directory); err != nil {
		_ = newFile.Close()
		return err
	}

	// From this point on the new file is the log. If the old one can't be cleaned up it will be removed the next time
	// the store is opened since only the newest log is ever replayed.
	oldFile, oldFileId := l.file, l.fileId
	l.file = newFile
	l.fileId = newFileId
	l.offset = offset
	l.versions = versions
	l.discarded = 0

	for i, payloadOffset := range offsets {
		relocate(i, payloadOffset, newFileId)
	}

	if err := oldFile.Close(); err != nil {
		timber.Warningf("failed to close commit log %d after rewrite: %v", oldFileId, err)
	}

	if err := os.Remove(LogFilePath(l.directory, oldFileId)); err != nil {
		timber.Warningf("failed to remove commit log %d after rewrite: %v", oldFileId, err)
	}

	timber.Infof("rewrote commit log %d as %d with %d versions", oldFileId, newFileId, versions)

	return nil
}

// size returns the number of bytes currently in the log file.
func (l *commitLog) size() int64 {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return l.offset
}

// close will simply close the commit log file.
func (l *commitLog) close() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.file.Close()
}
