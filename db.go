package snapkv

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elliotcourant/snapkv/pb"
	"github.com/elliotcourant/snapkv/storage"
	"github.com/elliotcourant/snapkv/z"
	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

type (
	// DB provides the various functions required to interact with snapkv. Transactions are created from it, it
	// serializes their commits and hands the committed batches to storage one at a time.
	DB struct {
		options Options
		storage Storage

		orc *oracle

		writeCh chan *request

		// writeCloser stops the write loop, gcCloser stops the background garbage collection.
		writeCloser *z.Closer
		gcCloser    *z.Closer

		eventLog trace.EventLog

		// closed is set while holding the oracle's writeChLock, so a commit can never be sent to a write loop that
		// has stopped.
		closed    int32 // accessed via atomics.
		closeOnce sync.Once
		closeErr  error
	}

	request struct {
		Batch *pb.Batch
		Err   error
		wg    sync.WaitGroup
	}
)

// Wait blocks until the request has been written to storage and returns the error storage returned.
func (req *request) Wait() error {
	req.wg.Wait()
	return req.Err
}

// Open returns a new DB object backed by a storage.Store built from the options.
func Open(opts Options) (*DB, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	store, err := storage.Open(opts.storageOptions())
	if err != nil {
		return nil, err
	}

	db, err := OpenWithStorage(opts, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return db, nil
}

// OpenWithStorage returns a new DB object that commits to the provided storage. Timestamps continue from the newest
// version the storage holds. The DB takes ownership of the storage and closes it when the DB is closed.
func OpenWithStorage(opts Options, s Storage) (*DB, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	db := &DB{
		options:     opts,
		storage:     s,
		orc:         newOracle(opts),
		writeCh:     make(chan *request, writeChannelCapacity),
		writeCloser: z.NewCloser(1),
		gcCloser:    z.NewCloser(0),
		eventLog:    z.NewEventLog(opts.EventLogging, "snapkv", "DB"),
	}

	maxVersion := s.MaxVersion()
	db.orc.bootstrap(maxVersion)

	go db.doWrites(db.writeCloser)

	if opts.GCInterval > 0 && !opts.ReadOnly {
		db.gcCloser.AddRunning(1)
		go db.gcLoop(db.gcCloser)
	}

	timber.Infof("snapkv opened, next commit timestamp %d", maxVersion+1)

	return db, nil
}

// IsClosed denotes if the DB is closed or not. A DB instance should not be used after closing it.
func (db *DB) IsClosed() bool {
	return atomic.LoadInt32(&db.closed) == 1
}

// NewTransaction creates a new transaction. Snapkv supports concurrent execution of transactions, providing
// serializable snapshot isolation, avoiding write skews. Snapkv achieves this by tracking the keys read and at Commit
// time, ensuring that these read keys weren't concurrently modified by another transaction.
//
// For read-only transactions, set update to false. In this mode, we don't track the rows read for any changes. Thus,
// any long running iterations done in this mode wouldn't pay this overhead.
//
// Running transactions concurrently is OK. However, a transaction itself isn't thread safe, and should only be run
// serially. It doesn't matter if a transaction is created by one goroutine and passed down to other, as long as the
// Txn APIs are called serially.
//
// When you create a new transaction, it is absolutely essential to call Discard(). This should be done irrespective
// of what the update param is set to. Commit API internally runs Discard, but running it twice wouldn't cause any
// issues.
//
//  txn, err := db.NewTransaction(false)
//  if err != nil {
//    return err
//  }
//  defer txn.Discard()
//  // Call various APIs.
func (db *DB) NewTransaction(update bool) (*Txn, error) {
	return db.NewTransactionContext(context.Background(), update)
}

// NewTransactionContext works like NewTransaction. The context bounds how long the transaction waits for earlier
// commits to be written before its snapshot can be read, and is passed to storage on every read.
func (db *DB) NewTransactionContext(ctx context.Context, update bool) (*Txn, error) {
	if db.IsClosed() {
		return nil, ErrDBClosed
	}

	if db.options.ReadOnly && update {
		// DB is read-only, force read-only transaction.
		update = false
	}

	txn := &Txn{
		update: update,
		db:     db,
		ctx:    ctx,
		state:  int32(TxnActive),
	}

	if update {
		if db.options.DetectConflicts {
			txn.conflictKeys = make(map[uint64]struct{})
		}
		txn.pendingWrites = make(map[string]*Entry)
	}

	readTs, err := db.orc.readTs(ctx)
	if err != nil {
		if err == z.ErrWaterMarkClosed {
			return nil, ErrDBClosed
		}
		return nil, err
	}
	txn.readTs = readTs

	return txn, nil
}

// Begin starts a new update transaction.
func (db *DB) Begin() (*Txn, error) {
	return db.NewTransaction(true)
}

// View executes a function creating and managing a read-only transaction for the user. Error returned by the
// function is relayed by the View method.
func (db *DB) View(fn func(txn *Txn) error) error {
	txn, err := db.NewTransaction(false)
	if err != nil {
		return err
	}
	defer txn.Discard()

	return fn(txn)
}

// Update executes a function, creating and managing a read-write transaction for the user. Error returned by the
// function is relayed by the Update method.
func (db *DB) Update(fn func(txn *Txn) error) error {
	txn, err := db.NewTransaction(true)
	if err != nil {
		return err
	}
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}

	return txn.Commit()
}

// OldestSafeTs returns the timestamp that versions can be garbage collected at. No transaction is reading below it and
// every commit at or below it has been written, so only the newest version of each key at or below it can still be
// read. It lags behind the latest commit until a transaction has read at that commit, see WaitForSafePoint.
func (db *DB) OldestSafeTs() uint64 {
	return db.orc.discardAtOrBelow()
}

// WaitForSafePoint blocks until every transaction reading at or below ts has finished and every commit at or below ts
// has been written, or until ctx is done.
//
// The read side only advances when a transaction starts or finishes reading. On an idle DB the safe point stays at
// the read timestamp of the last transaction, so waiting for the latest commit blocks until a transaction reads at
// it. Starting and discarding one, like db.View(func(*Txn) error { return nil }), is enough.
func (db *DB) WaitForSafePoint(ctx context.Context, ts uint64) error {
	if db.IsClosed() {
		return ErrDBClosed
	}

	for _, mark := range []*z.WaterMark{db.orc.readMark, db.orc.txnMark} {
		if err := mark.WaitForMark(ctx, ts); err != nil {
			if err == z.ErrWaterMarkClosed {
				return ErrDBClosed
			}
			return err
		}
	}

	return nil
}

// RunGC drops every version of every key that can no longer be read by a current or future transaction. It returns
// the number of versions that were dropped.
func (db *DB) RunGC(ctx context.Context) (int, error) {
	if db.IsClosed() {
		return 0, ErrDBClosed
	}

	if db.options.ReadOnly {
		return 0, errors.New("Cannot run garbage collection on a read-only DB")
	}

	safeTs := db.OldestSafeTs()
	dropped, err := db.storage.DiscardBelow(ctx, safeTs)
	if err != nil {
		return dropped, errors.Wrapf(err, "failed to discard versions below %d", safeTs)
	}

	db.eventLog.Printf("gc at %d dropped %d versions", safeTs, dropped)

	return dropped, nil
}

// Size returns how much the storage is holding. The zero value is returned when the storage can't report it.
func (db *DB) Size() storage.Size {
	if s, ok := db.storage.(sizer); ok {
		return s.Size()
	}

	return storage.Size{}
}

// Close closes a DB. It's crucial to call it to ensure all the pending updates make their way to disk. Calling
// Close more than once returns the result of the first call.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closeErr = db.close()
	})

	return db.closeErr
}

func (db *DB) close() error {
	timber.Debugf("closing snapkv")

	// Once closed is set no more requests can be sent, everything already in the channel is still written.
	db.orc.writeChLock.Lock()
	atomic.StoreInt32(&db.closed, 1)
	db.orc.writeChLock.Unlock()

	db.gcCloser.SignalAndWait()
	db.writeCloser.SignalAndWait()
	db.orc.Stop()
	db.eventLog.Finish()

	if err := db.storage.Close(); err != nil {
		return errors.Wrap(err, "DB.Close")
	}

	timber.Infof("snapkv closed")

	return nil
}

// sendToWriteCh queues the batch for the write loop. It must be called while holding the oracle's writeChLock so
// batches are queued in commit timestamp order.
func (db *DB) sendToWriteCh(batch *pb.Batch) (*request, error) {
	if db.IsClosed() {
		return nil, ErrDBClosed
	}

	req := &request{
		Batch: batch,
	}
	req.wg.Add(1)
	db.writeCh <- req

	return req, nil
}

// writeRequest hands a single batch to storage. Writes are not cancellable once a commit timestamp has been assigned.
func (db *DB) writeRequest(req *request) {
	req.Err = db.storage.WriteBatch(context.Background(), req.Batch)
	if req.Err != nil {
		timber.Errorf("failed to write batch at %d: %v", req.Batch.CommitTs, req.Err)
	}
	req.wg.Done()
}

func (db *DB) doWrites(closer *z.Closer) {
	defer closer.Done()

	for {
		select {
		case req := <-db.writeCh:
			db.writeRequest(req)
		case <-closer.HasBeenClosed():
			// Nothing new can be queued once the closer has been signaled, write whatever is left.
			for {
				select {
				case req := <-db.writeCh:
					db.writeRequest(req)
				default:
					return
				}
			}
		}
	}
}

func (db *DB) gcLoop(closer *z.Closer) {
	defer closer.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-closer.HasBeenClosed()
		cancel()
	}()

	ticker := time.NewTicker(db.options.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closer.HasBeenClosed():
			return
		case <-ticker.C:
			dropped, err := db.RunGC(ctx)
			switch {
			case err == nil:
				if dropped > 0 {
					timber.Debugf("gc dropped %d versions below %d", dropped, db.OldestSafeTs())
				}
			case err == ErrDBClosed, errors.Cause(err) == context.Canceled:
				return
			default:
				timber.Errorf("gc failed: %v", err)
			}
		}
	}
}
