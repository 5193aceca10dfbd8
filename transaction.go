package snapkv

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/dgryski/go-farm"
	"github.com/elliotcourant/snapkv/pb"
	"github.com/elliotcourant/snapkv/z"
)

// TxnState is where a transaction is in its lifecycle. A transaction starts Active and ends either Committed or
// RolledBack, it never becomes Active again.
type TxnState int32

const (
	// TxnActive transactions can still be read from and written to.
	TxnActive TxnState = iota
	// TxnCommitted transactions had their writes applied at their commit timestamp.
	TxnCommitted
	// TxnRolledBack transactions were rolled back, failed validation or failed to be written.
	TxnRolledBack

	// txnCommitting is held while the writes of a transaction are being applied. It is reported as TxnActive.
	txnCommitting
)

// String returns the name of the state.
func (s TxnState) String() string {
	switch s {
	case TxnActive, txnCommitting:
		return "Active"
	case TxnCommitted:
		return "Committed"
	case TxnRolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

type (
	// Txn represents a snapkv transaction. Every read observes the snapshot at the transaction's read timestamp,
	// writes are buffered until Commit.
	//
	// A Txn is not safe for concurrent use by multiple goroutines.
	Txn struct {
		readTs   uint64
		commitTs uint64
		size     int64
		count    int64
		db       *DB
		ctx      context.Context

		update bool     // update is used to conditionally keep track of reads.
		reads  []uint64 // contains fingerprints of keys read.

		// conflictKeys contains the fingerprints of keys written, other transactions are checked against them.
		conflictKeys map[uint64]struct{}

		pendingWrites map[string]*Entry // cache stores any writes done by txn.

		state    int32 // accessed via atomics.
		doneRead bool
	}
)

// fingerprint is the 64 bit hash of a key used to detect conflicts. Two keys with the same fingerprint are treated as
// the same key, which can only cause a spurious conflict and never hides a real one.
func fingerprint(key []byte) uint64 {
	return farm.Fingerprint64(key)
}

// ReadTs returns the read timestamp of the transaction.
func (txn *Txn) ReadTs() uint64 {
	return txn.readTs
}

// CommitTs returns the commit timestamp of the transaction. It is zero until the transaction has been committed with
// at least one write.
func (txn *Txn) CommitTs() uint64 {
	return txn.commitTs
}

// State returns the current state of the transaction.
func (txn *Txn) State() TxnState {
	state := TxnState(atomic.LoadInt32(&txn.state))
	if state == txnCommitting {
		return TxnActive
	}
	return state
}

func (txn *Txn) checkSize(e *Entry) error {
	count := txn.count + 1
	size := txn.size + e.estimateSize()
	if previous, ok := txn.pendingWrites[string(e.Key)]; ok {
		// The entry replaces one that is already counted.
		count = txn.count
		size -= previous.estimateSize()
	}

	if count >= txn.db.options.MaxBatchCount || size >= txn.db.options.MaxBatchSize {
		return ErrTxnTooBig
	}
	txn.count, txn.size = count, size
	return nil
}

func (txn *Txn) modify(e *Entry) error {
	switch {
	case atomic.LoadInt32(&txn.state) != int32(TxnActive):
		return ErrDiscardedTxn
	case !txn.update:
		return ErrReadOnlyTxn
	case len(e.Key) == 0:
		return ErrEmptyKey
	case bytes.HasPrefix(e.Key, snapkvPrefix):
		return ErrInvalidKey
	case len(e.Key) > maxKeySize:
		return exceedsSize("Key", maxKeySize, e.Key)
	case len(e.Value) > maxValueSize:
		return exceedsSize("Value", maxValueSize, e.Value)
	}

	if err := txn.checkSize(e); err != nil {
		return err
	}

	if txn.db.options.DetectConflicts {
		txn.conflictKeys[fingerprint(e.Key)] = struct{}{}
	}

	txn.pendingWrites[string(e.Key)] = e
	return nil
}

// Set adds a key-value pair to the database.
//
// It will return ErrReadOnlyTxn if update flag was set to false when creating the transaction.
//
// The current transaction keeps a reference to the key and val byte slice arguments. Users must not modify key and
// val until the end of the transaction.
func (txn *Txn) Set(key, val []byte) error {
	return txn.SetEntry(NewEntry(key, val))
}

// SetEntry takes an Entry struct and adds the key-value pair in the struct, along with other metadata to the database.
//
// The current transaction keeps a reference to the entry passed in argument. Users must not modify the entry until the
// end of the transaction.
func (txn *Txn) SetEntry(e *Entry) error {
	return txn.modify(e)
}

// Delete deletes a key.
//
// This is done by adding a delete marker for the key at commit timestamp. Any reads happening before this timestamp
// would be unaffected. Any reads after this commit would see the deletion.
//
// The current transaction keeps a reference to the key byte slice argument. Users must not modify the key until the
// end of the transaction.
func (txn *Txn) Delete(key []byte) error {
	e := &Entry{
		Key:  key,
		meta: bitDelete,
	}
	return txn.modify(e)
}

// Get looks for key and returns corresponding Item. If key is not found, ErrKeyNotFound is returned.
func (txn *Txn) Get(key []byte) (item *Item, rerr error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	} else if atomic.LoadInt32(&txn.state) != int32(TxnActive) {
		return nil, ErrDiscardedTxn
	} else if txn.db.IsClosed() {
		return nil, ErrDBClosed
	}

	if txn.update {
		if e, has := txn.pendingWrites[string(key)]; has && bytes.Equal(key, e.Key) {
			if e.isDeleted() || z.IsExpired(e.ExpiresAt) {
				return nil, ErrKeyNotFound
			}

			// Fulfill from cache.
			return &Item{
				key:       key,
				value:     e.Value,
				version:   txn.readTs,
				userMeta:  e.UserMeta,
				expiresAt: e.ExpiresAt,
			}, nil
		}

		// Only track reads if this is update txn. No need to track read if txn serviced it internally.
		txn.addReadKey(key)
	}

	vs, found, err := txn.db.storage.ReadAt(txn.ctx, key, txn.readTs)
	if err != nil {
		return nil, z.Wrapf(err, "DB::Get key: %q", key)
	}

	if !found || vs.IsDeletedOrExpired() {
		return nil, ErrKeyNotFound
	}

	return &Item{
		key:       key,
		value:     vs.Value,
		version:   vs.Version,
		userMeta:  vs.UserMeta,
		expiresAt: vs.ExpiresAt,
	}, nil
}

func (txn *Txn) addReadKey(key []byte) {
	if txn.update && txn.db.options.DetectConflicts {
		txn.reads = append(txn.reads, fingerprint(key))
	}
}

// Rollback discards the transaction, its writes are dropped and its read timestamp is released. Calling Rollback on a
// transaction that has already been committed or rolled back returns ErrDiscardedTxn.
func (txn *Txn) Rollback() error {
	if !atomic.CompareAndSwapInt32(&txn.state, int32(TxnActive), int32(TxnRolledBack)) {
		return ErrDiscardedTxn
	}

	txn.release()
	return nil
}

// Discard rolls the transaction back if it is still active and does nothing otherwise. This should always be called
// after a transaction is created, it is meant to be deferred.
func (txn *Txn) Discard() {
	_ = txn.Rollback()
}

// release drops everything the transaction is holding and releases its read timestamp if that hasn't happened yet.
func (txn *Txn) release() {
	txn.pendingWrites = nil
	txn.reads = nil
	txn.conflictKeys = nil
	txn.db.orc.doneRead(txn)
}

// finish moves a transaction that was being committed into its terminal state.
func (txn *Txn) finish(state TxnState) {
	z.AssertTrue(atomic.CompareAndSwapInt32(&txn.state, int32(txnCommitting), int32(state)))
	txn.release()
}

func (txn *Txn) commitAndSend() (func() error, error) {
	orc := txn.db.orc
	orc.writeChLock.Lock()
	defer orc.writeChLock.Unlock()

	commitTs, conflict := orc.newCommitTs(txn)
	if conflict {
		txn.finish(TxnRolledBack)
		return nil, ErrConflict
	}

	batch := &pb.Batch{
		CommitTs: commitTs,
		Entries:  make([]pb.Entry, 0, len(txn.pendingWrites)),
	}

	for _, e := range txn.pendingWrites {
		batch.Entries = append(batch.Entries, pb.Entry{
			Key: e.Key,
			Value: z.ValueStruct{
				Meta:      e.meta,
				UserMeta:  e.UserMeta,
				ExpiresAt: e.ExpiresAt,
				Value:     e.Value,
				Version:   commitTs,
			},
		})
	}

	req, err := txn.db.sendToWriteCh(batch)
	if err != nil {
		orc.doneCommit(commitTs)
		txn.finish(TxnRolledBack)
		return nil, err
	}

	ret := func() error {
		err := req.Wait()

		// Wait before marking commitTs as done. We can't defer doneCommit above, because it is being called from a
		// callback here.
		orc.doneCommit(commitTs)
		if err != nil {
			txn.finish(TxnRolledBack)
			return err
		}

		txn.commitTs = commitTs
		txn.finish(TxnCommitted)
		return nil
	}

	return ret, nil
}

// commitPrecheck claims the transaction for committing, a transaction can only ever be committed once.
func (txn *Txn) commitPrecheck() error {
	if !atomic.CompareAndSwapInt32(&txn.state, int32(TxnActive), int32(txnCommitting)) {
		return ErrDiscardedTxn
	}

	return nil
}

// Commit commits the transaction, following these steps:
//
// 1. If there are no writes, the transaction is committed without using a commit timestamp.
//
// 2. Check if read rows were updated since txn started. If so, the transaction is rolled back and ErrConflict is
// returned.
//
// 3. If no conflict, generate a commit timestamp and write the batch to storage at it.
//
// 4. Wait for the batch to be written before returning. If storage fails the error is returned unchanged and the
// transaction is rolled back, the writes must not be assumed to have landed.
//
// Calling Commit on a transaction that has already been committed or rolled back returns ErrDiscardedTxn.
func (txn *Txn) Commit() error {
	if err := txn.commitPrecheck(); err != nil {
		return err
	}

	if len(txn.pendingWrites) == 0 {
		// Read only transactions commit trivially.
		txn.finish(TxnCommitted)
		return nil
	}

	txnCb, err := txn.commitAndSend()
	if err != nil {
		return err
	}

	return txnCb()
}

type txnCb struct {
	commit func() error
	user   func(error)
	err    error
}

func runTxnCallback(cb *txnCb) {
	switch {
	case cb == nil:
		panic("txn callback is nil")
	case cb.user == nil:
		panic("Must have caught a nil callback for txn.CommitWith")
	case cb.err != nil:
		cb.user(cb.err)
	case cb.commit != nil:
		err := cb.commit()
		cb.user(err)
	default:
		cb.user(nil)
	}
}

// CommitWith acts like Commit, but takes a callback, which gets run via a goroutine to avoid blocking this function.
// The callback is guaranteed to run, so it is safe to increment sync.WaitGroup before calling CommitWith, and
// decrementing it in the callback; to block until all callbacks are run.
//
// Conflict detection happens before CommitWith returns, the callback only waits for the write.
func (txn *Txn) CommitWith(cb func(error)) {
	if cb == nil {
		panic("Nil callback provided to CommitWith")
	}

	if err := txn.commitPrecheck(); err != nil {
		go runTxnCallback(&txnCb{user: cb, err: err})
		return
	}

	if len(txn.pendingWrites) == 0 {
		// Do not run these callbacks from here, because the CommitWith and the callback might be acquiring the same
		// locks. Instead run the callback from another goroutine.
		txn.finish(TxnCommitted)
		go runTxnCallback(&txnCb{user: cb, err: nil})
		return
	}

	commitCb, err := txn.commitAndSend()
	if err != nil {
		go runTxnCallback(&txnCb{user: cb, err: err})
		return
	}

	go runTxnCallback(&txnCb{user: cb, commit: commitCb})
}
