package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/elliotcourant/snapkv/pb"
	"github.com/elliotcourant/snapkv/z"
	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by every operation on a store that has been closed.
	ErrClosed = errors.New("store has been closed")

	// ErrReadOnly is returned when a write is attempted on a store that was opened read only.
	ErrReadOnly = errors.New("store was opened read only")

	// ErrVersionOrder is returned when a batch's commit timestamp is not newer than every version already written.
	ErrVersionOrder = errors.New("batch commit timestamp is not newer than the latest version")
)

type (
	// Store is a durable, multi-versioned key value store. Every write is a batch of entries that share a single
	// commit timestamp, batches are appended to a commit log and then applied to an in memory version index that is
	// split into partitions. Reads find the newest version of a key at or before a timestamp.
	Store struct {
		options       Options
		directoryLock *directoryLockGuard

		// log is nil when the store is in memory.
		log    *commitLog
		values *valueReader

		partitions []*partition

		// writeLock serializes batches with each other and with commit log rewrites.
		writeLock sync.Mutex

		// gcLock makes sure only one DiscardBelow runs at a time.
		gcLock sync.Mutex

		maxVersion uint64 // accessed via atomics.
		closed     int32  // accessed via atomics.
	}

	// relocation remembers where a log resident value ended up in a rewritten batch.
	relocation struct {
		key   []byte
		value z.ValueStruct
		batch int
		entry int
	}
)

// Open opens or creates the store described by the options. Existing commit logs are replayed to rebuild the version
// index.
func Open(opts Options) (*Store, error) {
	if opts.InMemory && opts.Dir != "" {
		return nil, errors.New("cannot use an in memory store with Dir set")
	}

	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("Dir must be set unless the store is in memory")
	}

	if opts.NumPartitions < 1 {
		return nil, errors.Errorf("invalid NumPartitions %d, must be at least 1", opts.NumPartitions)
	}

	if opts.ValueThreshold > maxValueThreshold {
		return nil, errors.Errorf("invalid ValueThreshold, must be less or equal to %d", maxValueThreshold)
	}

	if opts.NumCompactors < 1 {
		opts.NumCompactors = 1
	}

	s := &Store{
		options:    opts,
		partitions: make([]*partition, opts.NumPartitions),
	}

	for i := range s.partitions {
		s.partitions[i] = newPartition(i, opts.ExpectedKeys/opts.NumPartitions)
	}

	if opts.InMemory {
		timber.Debugf("opened in memory store with %d partitions", opts.NumPartitions)
		return s, nil
	}

	if err := createDir(opts); err != nil {
		return nil, err
	}

	directoryLock, err := acquireDirectoryLock(opts.Dir, lockFileName, opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	s.directoryLock = directoryLock

	if err := s.openLog(); err != nil {
		_ = directoryLock.release()
		return nil, err
	}

	values, err := newValueReader(s.log, opts.ValueCacheSize)
	if err != nil {
		_ = s.log.close()
		_ = directoryLock.release()
		return nil, errors.Wrap(err, "failed to create value cache")
	}
	s.values = values

	timber.Infof("opened store %s at version %d with %d versions", opts.Dir, s.MaxVersion(), s.versionCount())

	return s, nil
}

// openLog finds the newest commit log in the directory and replays it, or creates the first one if there is none.
// Older logs and unfinished rewrites are left behind by a rewrite that was interrupted, they are removed.
func (s *Store) openLog() error {
	fileIds, err := getLogFileIds(s.options.Dir)
	if err != nil {
		return errors.Wrapf(err, "failed to list commit logs in %q", s.options.Dir)
	}

	var newest uint64
	found := false
	for fileId := range fileIds {
		if !found || fileId > newest {
			newest = fileId
			found = true
		}
	}

	if !s.options.ReadOnly {
		rewritePath := filepath.Join(s.options.Dir, logRewriteFileName)
		if err := os.Remove(rewritePath); err == nil {
			timber.Warningf("removed unfinished commit log rewrite %s", rewritePath)
		} else if !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove unfinished commit log rewrite %q", rewritePath)
		}

		for fileId := range fileIds {
			if fileId == newest {
				continue
			}

			timber.Warningf("removing commit log %d, it was replaced by %d", fileId, newest)
			if err := os.Remove(LogFilePath(s.options.Dir, fileId)); err != nil {
				return errors.Wrapf(err, "failed to remove old commit log %d", fileId)
			}
		}
	}

	if !found {
		if s.options.ReadOnly {
			return errors.Errorf("no commit log found in %q, required for a read only store", s.options.Dir)
		}

		s.log, err = createCommitLog(s.options, 0)
		return err
	}

	s.log, err = openCommitLog(s.options, newest)
	if err != nil {
		return err
	}

	err = s.log.replay(s.options.ChecksumVerificationMode, func(batch *pb.Batch, payloadOffset uint32) error {
		s.apply(batch, payloadOffset, s.log.fileId)
		return nil
	})
	if err != nil {
		_ = s.log.close()
		return err
	}

	return nil
}

// WriteBatch durably writes every entry in the batch as a version at the batch's commit timestamp. The batch is either
// applied completely or not at all. Commit timestamps must be strictly increasing.
func (s *Store) WriteBatch(ctx context.Context, batch *pb.Batch) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}

	if s.options.ReadOnly {
		return ErrReadOnly
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var payload []byte
	if s.log != nil {
		payload = batch.Marshal()
		if err := s.makeRoom(len(payload)); err != nil {
			return err
		}
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if maxVersion := s.MaxVersion(); batch.CommitTs <= maxVersion {
		return errors.Wrapf(ErrVersionOrder, "commit ts: %d latest version: %d", batch.CommitTs, maxVersion)
	}

	if s.log == nil {
		s.apply(batch, 0, 0)
		return nil
	}

	payloadOffset, err := s.log.append(payload, len(batch.Entries))
	if err != nil {
		return err
	}

	s.apply(batch, payloadOffset, s.log.fileId)

	return nil
}

// makeRoom rewrites the commit log without the versions that were garbage collected when a payload of the given size
// would not fit in it otherwise. If it still doesn't fit the append fails with ErrLogFull.
func (s *Store) makeRoom(payloadSize int) error {
	if s.log.fits(payloadSize) || !s.log.reclaimable() {
		return nil
	}

	// Rewrites are serialized with garbage collection so the set of live versions can't change underneath it.
	s.gcLock.Lock()
	defer s.gcLock.Unlock()

	if s.log.fits(payloadSize) {
		return nil
	}

	timber.Infof("commit log is full, rewriting it to make room for %d bytes", payloadSize)
	if err := s.rewriteLog(); err != nil {
		return errors.Wrap(err, "failed to rewrite full commit log")
	}

	return nil
}

// apply puts every entry of the batch into the version index. Values at or above the value threshold are replaced by
// a pointer into the log when the store has one. Keys and inline values are copied, the batch may reference a read
// buffer or memory the caller still owns.
func (s *Store) apply(batch *pb.Batch, payloadOffset uint32, fileId uint64) {
	var valueOffsets []uint32
	if s.log != nil {
		valueOffsets = batch.ValueOffsets()
	}

	for i := range batch.Entries {
		entry := batch.Entries[i]
		value := entry.Value
		value.Version = batch.CommitTs

		switch {
		case s.log != nil && len(value.Value) >= s.options.ValueThreshold && !value.IsDeleted():
			pointer := valuePointer{
				Fid:    fileId,
				Len:    uint32(len(value.Value)),
				Offset: payloadOffset + valueOffsets[i],
			}
			value.Meta |= z.BitValuePointer
			value.Value = pointer.Encode()
		default:
			value.Value = append([]byte(nil), value.Value...)
		}

		key := append([]byte(nil), entry.Key...)

		s.partition(key).put(key, value)
	}

	// Batches are applied one at a time, either while replaying or with the write lock held.
	if batch.CommitTs > atomic.LoadUint64(&s.maxVersion) {
		atomic.StoreUint64(&s.maxVersion, batch.CommitTs)
	}
}

// ReadAt returns the newest version of the key at or before ts. The version is returned even if it is a tombstone or
// has expired, it is up to the caller to decide what that means.
func (s *Store) ReadAt(ctx context.Context, key []byte, ts uint64) (z.ValueStruct, bool, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return z.ValueStruct{}, false, ErrClosed
	}

	for {
		if err := ctx.Err(); err != nil {
			return z.ValueStruct{}, false, err
		}

		value, ok := s.partition(key).get(key, ts)
		if !ok {
			return z.ValueStruct{}, false, nil
		}

		if value.Meta&z.BitValuePointer == 0 {
			return value, true, nil
		}

		resolved, err := s.values.read(value.Value)
		if err == errStaleValuePointer {
			// The log was rewritten between looking the version up and reading the value, the index already
			// holds the new pointer.
			continue
		}

		if err != nil {
			return z.ValueStruct{}, false, err
		}

		value.Meta &^= z.BitValuePointer
		value.Value = resolved

		return value, true, nil
	}
}

// MaxVersion returns the commit timestamp of the newest batch that has been written.
func (s *Store) MaxVersion() uint64 {
	return atomic.LoadUint64(&s.maxVersion)
}

// DiscardBelow drops every version that no snapshot at or after safeTs can read. Partitions are swept concurrently.
// When enough of the commit log is made up of discarded versions it is rewritten. It returns the number of versions
// that were dropped.
func (s *Store) DiscardBelow(ctx context.Context, safeTs uint64) (int, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return 0, ErrClosed
	}

	if s.options.ReadOnly {
		return 0, ErrReadOnly
	}

	s.gcLock.Lock()
	defer s.gcLock.Unlock()

	var dropped int64
	var err error
	throttle := z.NewThrottle(s.options.NumCompactors)
	for _, p := range s.partitions {
		p := p
		err = throttle.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			atomic.AddInt64(&dropped, int64(p.discard(safeTs)))
			return nil
		})
		if err != nil {
			break
		}
	}

	// An error returned by Go has already been taken off of the throttle, Finish won't see it again.
	if finishErr := throttle.Finish(); err == nil {
		err = finishErr
	}

	total := int(atomic.LoadInt64(&dropped))
	if total > 0 {
		timber.Debugf("discarded %d versions at or below %d", total, safeTs)
	}

	if err != nil {
		return total, err
	}

	if s.log != nil && s.log.discard(total) {
		if err := s.rewriteLog(); err != nil {
			return total, errors.Wrap(err, "failed to rewrite commit log")
		}
	}

	return total, nil
}

// rewriteLog writes every live version into a new commit log, grouped into batches by version, and points the
// version index at the new file.
func (s *Store) rewriteLog() error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	byVersion := map[uint64]*pb.Batch{}
	relocations := make([]relocation, 0)
	for _, p := range s.partitions {
		var err error
		p.each(func(key []byte, value z.ValueStruct) {
			if err != nil {
				return
			}

			batch, ok := byVersion[value.Version]
			if !ok {
				batch = &pb.Batch{CommitTs: value.Version}
				byVersion[value.Version] = batch
			}

			onDisk := value
			if value.Meta&z.BitValuePointer != 0 {
				var pointer valuePointer
				pointer.Decode(value.Value)

				// The log is not being written to, so the pointer can't be stale here.
				onDisk.Value, err = s.log.read(pointer)
				onDisk.Meta &^= z.BitValuePointer

				relocations = append(relocations, relocation{
					key:   key,
					value: value,
					entry: len(batch.Entries),
				})
			}

			batch.Entries = append(batch.Entries, pb.Entry{
				Key:   key,
				Value: onDisk,
			})
		})
		if err != nil {
			return err
		}
	}

	versions := make([]uint64, 0, len(byVersion))
	for version := range byVersion {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i] < versions[j]
	})

	batches := make([]*pb.Batch, len(versions))
	batchIndex := make(map[uint64]int, len(versions))
	for i, version := range versions {
		batches[i] = byVersion[version]
		batchIndex[version] = i
	}

	for i := range relocations {
		relocations[i].batch = batchIndex[relocations[i].value.Version]
	}

	valueOffsets := make([][]uint32, len(batches))

	return s.log.rewrite(batches, func(index int, payloadOffset uint32, fileId uint64) {
		valueOffsets[index] = batches[index].ValueOffsets()
		for i := range relocations {
			relocated := &relocations[i]
			if relocated.batch != index {
				continue
			}

			entry := batches[index].Entries[relocated.entry]
			pointer := valuePointer{
				Fid:    fileId,
				Len:    uint32(len(entry.Value.Value)),
				Offset: payloadOffset + valueOffsets[index][relocated.entry],
			}

			value := relocated.value
			value.Value = pointer.Encode()
			s.partition(relocated.key).put(relocated.key, value)
			s.values.remember(pointer, entry.Value.Value)
		}
	})
}

// Size returns the size of the commit log and the number of versions in the index.
func (s *Store) Size() Size {
	size := Size{
		Versions: int64(s.versionCount()),
	}

	if s.log != nil {
		size.LogSize = s.log.size()
	}

	return size
}

// Close closes the commit log and releases the directory lock. It is safe to call Close more than once.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	// Wait for any write or rewrite that is in flight.
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var err error
	if s.log != nil {
		s.values.close()
		err = s.log.close()
	}

	if s.directoryLock != nil {
		if lockErr := s.directoryLock.release(); err == nil {
			err = lockErr
		}
	}

	timber.Infof("closed store at version %d", s.MaxVersion())

	return err
}

func (s *Store) partition(key []byte) *partition {
	return s.partitions[keyHash(key)%uint64(len(s.partitions))]
}

func (s *Store) versionCount() int {
	count := 0
	for _, p := range s.partitions {
		count += p.size()
	}
	return count
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

func createDir(opts Options) error {
	dirExists, err := exists(opts.Dir)
	if err != nil {
		return z.Wrapf(err, "Invalid Dir: %q", opts.Dir)
	}

	if dirExists {
		return nil
	}

	if opts.ReadOnly {
		return errors.Errorf("Cannot find directory %q for read-only open", opts.Dir)
	}

	// Try to create the directory
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return z.Wrapf(err, "Error Creating Dir: %q", opts.Dir)
	}

	return nil
}
