package snapkv

import (
	"context"
	"sync"

	"github.com/elliotcourant/snapkv/z"
	"golang.org/x/net/trace"
)

type (
	oracle struct {
		// detectConflicts does not change once the oracle is created, so it doesn't need the lock.
		detectConflicts bool

		// Used for nextTxnTs and committedTxns.
		sync.Mutex

		// writeChLock is used to ensure that transactions go to the write channel in the same order as their commit
		// timestamps.
		writeChLock sync.Mutex

		// nextTxnTs is the commit timestamp the next transaction to commit will get. Every timestamp below it has
		// been handed out.
		nextTxnTs uint64

		// Used to block NewTransaction, so all previous commits are visible to a new read.
		txnMark *z.WaterMark

		// Used to determine which versions can be permanently discarded during garbage collection.
		readMark *z.WaterMark

		// committedTxns contains all committed writes (contains fingerprints of keys written and their latest commit
		// counter) that could still conflict with a transaction that is in flight.
		committedTxns []committedTxn
		lastCleanupTs uint64

		// closer is used to stop watermarks.
		closer *z.Closer

		eventLog trace.EventLog
	}

	committedTxn struct {
		ts uint64

		// conflictKeys keeps track of the entries written at timestamp ts.
		conflictKeys map[uint64]struct{}
	}
)

func newOracle(opts Options) *oracle {
	orc := &oracle{
		detectConflicts: opts.DetectConflicts,

		// WaterMarks must be 64-bit aligned for atomic package, hence we must use pointers here.
		readMark: &z.WaterMark{Name: "snapkv.PendingReads"},
		txnMark:  &z.WaterMark{Name: "snapkv.TxnTimestamp"},
		closer:   z.NewCloser(2),
		eventLog: z.NewEventLog(opts.EventLogging, "snapkv", "Oracle"),
	}

	orc.readMark.Init(orc.closer, opts.EventLogging)
	orc.txnMark.Init(orc.closer, opts.EventLogging)

	return orc
}

// bootstrap continues handing out timestamps after the newest version that storage already holds. Every timestamp up
// to it is considered done.
func (o *oracle) bootstrap(maxVersion uint64) {
	o.Lock()
	defer o.Unlock()

	o.nextTxnTs = maxVersion + 1
	o.lastCleanupTs = maxVersion
	o.txnMark.SetDoneUntil(maxVersion)
	o.readMark.SetDoneUntil(maxVersion)
	o.eventLog.Printf("bootstrapped at %d", maxVersion)
}

// Stop stops the watermarks. Anything waiting on them is released with z.ErrWaterMarkClosed.
func (o *oracle) Stop() {
	o.closer.SignalAndWait()
	o.eventLog.Finish()
}

// readTs returns the timestamp of the newest commit and registers it as in use. It waits for every commit at or below
// the timestamp to have been written, so the snapshot it describes can't change. When the wait is abandoned the read
// is released again.
func (o *oracle) readTs(ctx context.Context) (uint64, error) {
	var readTs uint64
	o.Lock()
	readTs = o.nextTxnTs - 1
	o.readMark.Begin(readTs)
	o.Unlock()

	// Wait for all txns which have no conflicts, have been assigned a commit timestamp and are going through the
	// write to storage. Not waiting here could mean that some txns which have been committed would not be read.
	if err := o.txnMark.WaitForMark(ctx, readTs); err != nil {
		o.readMark.Done(readTs)
		return 0, err
	}

	return readTs, nil
}

func (o *oracle) nextTs() uint64 {
	o.Lock()
	defer o.Unlock()

	return o.nextTxnTs
}

// discardAtOrBelow returns the oldest timestamp a snapshot can still be taken at. No transaction is reading below it
// and every commit at or below it has been written.
func (o *oracle) discardAtOrBelow() uint64 {
	readDone, txnDone := o.readMark.DoneUntil(), o.txnMark.DoneUntil()
	if txnDone < readDone {
		return txnDone
	}

	return readDone
}

// hasConflict must be called while having a lock.
func (o *oracle) hasConflict(txn *Txn) bool {
	if len(txn.reads) == 0 {
		return false
	}

	for _, committedTxn := range o.committedTxns {
		// If the committedTxn.ts is less than txn.readTs that implies that the committedTxn finished before the current
		// transaction started. We don't need to check for conflict in that case.
		if committedTxn.ts <= txn.readTs {
			continue
		}

		for _, ro := range txn.reads {
			if _, has := committedTxn.conflictKeys[ro]; has {
				return true
			}
		}
	}

	return false
}

// newCommitTs checks the transaction against everything that committed after it started reading. If none of those
// wrote a key the transaction read, the next commit timestamp is allocated and registered as pending.
func (o *oracle) newCommitTs(txn *Txn) (uint64, bool) {
	o.Lock()
	defer o.Unlock()

	if o.hasConflict(txn) {
		o.eventLog.Printf("conflict for txn reading at %d", txn.readTs)
		return 0, true
	}

	o.doneRead(txn)
	o.cleanupCommittedTransactions()

	ts := o.nextTxnTs
	o.nextTxnTs++
	o.txnMark.Begin(ts)

	z.AssertTrue(ts >= o.lastCleanupTs)

	if o.detectConflicts {
		// We should ensure that txns are not added to o.committedTxns slice when conflict detection is disabled
		// otherwise this slice would keep growing.
		o.committedTxns = append(o.committedTxns, committedTxn{
			ts:           ts,
			conflictKeys: txn.conflictKeys,
		})
	}

	return ts, false
}

// doneRead releases the transaction's read timestamp. It only does so the first time it is called for a transaction.
func (o *oracle) doneRead(txn *Txn) {
	if !txn.doneRead {
		txn.doneRead = true
		o.readMark.Done(txn.readTs)
	}
}

// cleanupCommittedTransactions must be called under o.Lock.
func (o *oracle) cleanupCommittedTransactions() {
	if !o.detectConflicts {
		// When detectConflicts is set to false, we do not store any committedTxns and so there's nothing to clean up.
		return
	}

	maxReadTs := o.readMark.DoneUntil()

	// Do not run clean up if the maxReadTs (read timestamp of the oldest transaction that is still in flight) has not
	// increased.
	if maxReadTs <= o.lastCleanupTs {
		return
	}
	o.lastCleanupTs = maxReadTs

	tmp := o.committedTxns[:0]
	for _, txn := range o.committedTxns {
		if txn.ts <= maxReadTs {
			continue
		}
		tmp = append(tmp, txn)
	}
	o.committedTxns = tmp
}

func (o *oracle) doneCommit(cts uint64) {
	o.txnMark.Done(cts)
}
