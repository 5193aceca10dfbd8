package snapkv

import (
	"context"
	"io/ioutil"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func getTestOptions() Options {
	return DefaultOptions("").
		WithInMemory(true).
		WithSyncWrites(false).
		WithGCInterval(0)
}

func testDirectory(t *testing.T) string {
	dir, err := ioutil.TempDir("", "snapkv-test")
	require.NoError(t, err)
	return dir
}

func removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		panic(err)
	}
}

// runSnapkvTest opens a DB with the provided options, or in memory test options when opts is nil, and closes it once
// the test is done.
func runSnapkvTest(t *testing.T, opts *Options, test func(t *testing.T, db *DB)) {
	if opts == nil {
		testOpts := getTestOptions()
		opts = &testOpts
	}

	db, err := Open(*opts)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()

	test(t, db)
}

// txnSet commits a single write and returns the commit timestamp it was written at.
func txnSet(t *testing.T, db *DB, key, value string) uint64 {
	txn, err := db.Begin()
	require.NoError(t, err)
	defer txn.Discard()

	require.NoError(t, txn.Set([]byte(key), []byte(value)))
	require.NoError(t, txn.Commit())
	return txn.CommitTs()
}

func txnDelete(t *testing.T, db *DB, key string) uint64 {
	txn, err := db.Begin()
	require.NoError(t, err)
	defer txn.Discard()

	require.NoError(t, txn.Delete([]byte(key)))
	require.NoError(t, txn.Commit())
	return txn.CommitTs()
}

// getString returns the value the transaction sees for the key, or "" when there is none.
func getString(t *testing.T, txn *Txn, key string) string {
	item, err := txn.Get([]byte(key))
	if err == ErrKeyNotFound {
		return ""
	}
	require.NoError(t, err)

	value, err := item.ValueCopy(nil)
	require.NoError(t, err)
	return string(value)
}

func viewString(t *testing.T, db *DB, key string) string {
	var value string
	require.NoError(t, db.View(func(txn *Txn) error {
		value = getString(t, txn, key)
		return nil
	}))
	return value
}

func waitForSafePoint(t *testing.T, db *DB, ts uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, db.WaitForSafePoint(ctx, ts))
}

func TestOpen_InvalidOptions(t *testing.T) {
	_, err := Open(DefaultOptions("/tmp/snapkv").WithInMemory(true))
	assert.Error(t, err)

	_, err = Open(getTestOptions().WithMaxBatchCount(0))
	assert.Error(t, err)

	_, err = Open(getTestOptions().WithGCInterval(-time.Second))
	assert.Error(t, err)
}

func TestDB_Reopen(t *testing.T) {
	dir := testDirectory(t)
	defer removeDir(dir)

	opts := DefaultOptions(dir).WithGCInterval(0)

	db, err := Open(opts)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), txnSet(t, db, "a", "1"))
	assert.Equal(t, uint64(2), txnSet(t, db, "b", "2"))
	assert.Equal(t, uint64(3), txnDelete(t, db, "a"))
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()

	txn, err := db.NewTransaction(false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), txn.ReadTs(), "timestamps must continue from the newest persisted version")
	assert.Equal(t, "", getString(t, txn, "a"))
	assert.Equal(t, "2", getString(t, txn, "b"))
	txn.Discard()

	assert.Equal(t, uint64(4), txnSet(t, db, "c", "3"))
}

func TestDB_ReadOnly(t *testing.T) {
	dir := testDirectory(t)
	defer removeDir(dir)

	db, err := Open(DefaultOptions(dir).WithGCInterval(0))
	require.NoError(t, err)
	txnSet(t, db, "key", "value")
	require.NoError(t, db.Close())

	runSnapkvTest(t, func() *Options {
		opts := DefaultOptions(dir).WithReadOnly(true)
		return &opts
	}(), func(t *testing.T, db *DB) {
		err := db.Update(func(txn *Txn) error {
			return txn.Set([]byte("key"), []byte("other"))
		})
		assert.Equal(t, ErrReadOnlyTxn, err)
		assert.Equal(t, "value", viewString(t, db, "key"))

		_, err = db.RunGC(context.Background())
		assert.Error(t, err)
	})
}

func TestDB_Close(t *testing.T) {
	db, err := Open(getTestOptions())
	require.NoError(t, err)

	writer, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, writer.Set([]byte("key"), []byte("value")))

	reader, err := db.NewTransaction(false)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.True(t, db.IsClosed())
	assert.NoError(t, db.Close(), "closing twice must not fail")

	_, err = db.NewTransaction(true)
	assert.Equal(t, ErrDBClosed, err)
	assert.Equal(t, ErrDBClosed, db.Update(func(txn *Txn) error { return nil }))
	assert.Equal(t, ErrDBClosed, db.View(func(txn *Txn) error { return nil }))

	_, err = reader.Get([]byte("key"))
	assert.Equal(t, ErrDBClosed, err)
	assert.NoError(t, reader.Rollback())

	assert.Equal(t, ErrDBClosed, writer.Commit())
	assert.Equal(t, TxnRolledBack, writer.State())

	_, err = db.RunGC(context.Background())
	assert.Equal(t, ErrDBClosed, err)
	assert.Equal(t, ErrDBClosed, db.WaitForSafePoint(context.Background(), 1))
}

func TestDB_RunGC(t *testing.T) {
	runSnapkvTest(t, nil, func(t *testing.T, db *DB) {
		ctx := context.Background()

		txnSet(t, db, "key", "v1")

		// The reader holds the snapshot at 1, nothing it can see may be dropped.
		reader, err := db.NewTransaction(false)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), reader.ReadTs())

		txnSet(t, db, "key", "v2")
		txnSet(t, db, "key", "v3")

		dropped, err := db.RunGC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, dropped)
		assert.Equal(t, "v1", getString(t, reader, "key"))

		reader.Discard()
		waitForSafePoint(t, db, 2)
		assert.Equal(t, uint64(2), db.OldestSafeTs())

		dropped, err = db.RunGC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, dropped, "only the version shadowed by v2 can go")
		assert.Equal(t, int64(2), db.Size().Versions)
		assert.Equal(t, "v3", viewString(t, db, "key"))

		txnDelete(t, db, "key")
		waitForSafePoint(t, db, 3)
		dropped, err = db.RunGC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, dropped)

		assert.Equal(t, "", viewString(t, db, "key"))
		waitForSafePoint(t, db, 4)
		dropped, err = db.RunGC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, dropped, "the tombstone and the value it deleted are both unreachable")
		assert.Equal(t, int64(0), db.Size().Versions)
	})
}

func TestDB_GCLoop(t *testing.T) {
	opts := getTestOptions().WithGCInterval(10 * time.Millisecond)
	runSnapkvTest(t, &opts, func(t *testing.T, db *DB) {
		for i := 0; i < 3; i++ {
			txnSet(t, db, "key", strconv.Itoa(i))
		}

		// Reading after the last commit moves the read watermark past every older version.
		assert.Equal(t, "2", viewString(t, db, "key"))

		assert.Eventually(t, func() bool {
			return db.Size().Versions == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, "2", viewString(t, db, "key"))
	})
}

func TestDB_WaitForSafePoint(t *testing.T) {
	runSnapkvTest(t, nil, func(t *testing.T, db *DB) {
		txnSet(t, db, "key", "value")

		reader, err := db.NewTransaction(false)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.Equal(t, context.DeadlineExceeded, db.WaitForSafePoint(ctx, reader.ReadTs()),
			"an open reader holds the safe point back")

		reader.Discard()
		waitForSafePoint(t, db, reader.ReadTs())
	})
}

func TestDB_WaitForSafePoint_Idle(t *testing.T) {
	runSnapkvTest(t, nil, func(t *testing.T, db *DB) {
		commitTs := txnSet(t, db, "key", "value")

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.Equal(t, context.DeadlineExceeded, db.WaitForSafePoint(ctx, commitTs),
			"nothing has read at the latest commit yet")
		assert.Equal(t, commitTs-1, db.OldestSafeTs())

		require.NoError(t, db.View(func(*Txn) error { return nil }))
		waitForSafePoint(t, db, commitTs)
		assert.Equal(t, commitTs, db.OldestSafeTs())
	})
}

func TestDB_ConcurrentIncrements(t *testing.T) {
	const (
		workers    = 8
		increments = 20
	)

	runSnapkvTest(t, nil, func(t *testing.T, db *DB) {
		increment := func(txn *Txn) error {
			count := 0
			item, err := txn.Get([]byte("counter"))
			switch err {
			case nil:
				if err := item.Value(func(val []byte) error {
					count, err = strconv.Atoi(string(val))
					return err
				}); err != nil {
					return err
				}
			case ErrKeyNotFound:
			default:
				return err
			}

			return txn.Set([]byte("counter"), []byte(strconv.Itoa(count+1)))
		}

		var group errgroup.Group
		for i := 0; i < workers; i++ {
			group.Go(func() error {
				for n := 0; n < increments; {
					switch err := db.Update(increment); err {
					case nil:
						n++
					case ErrConflict:
					default:
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, group.Wait())

		assert.Equal(t, strconv.Itoa(workers*increments), viewString(t, db, "counter"))
	})
}

func TestDB_DisjointKeysNeverConflict(t *testing.T) {
	runSnapkvTest(t, nil, func(t *testing.T, db *DB) {
		var group errgroup.Group
		for i := 0; i < 8; i++ {
			key := []byte("key-" + strconv.Itoa(i))
			group.Go(func() error {
				for n := 0; n < 20; n++ {
					err := db.Update(func(txn *Txn) error {
						if _, err := txn.Get(key); err != nil && err != ErrKeyNotFound {
							return err
						}
						return txn.Set(key, []byte(strconv.Itoa(n)))
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, group.Wait())

		for i := 0; i < 8; i++ {
			assert.Equal(t, "19", viewString(t, db, "key-"+strconv.Itoa(i)))
		}
	})
}

func TestDB_Size(t *testing.T) {
	dir := testDirectory(t)
	defer removeDir(dir)

	opts := DefaultOptions(dir).WithGCInterval(0)
	runSnapkvTest(t, &opts, func(t *testing.T, db *DB) {
		txnSet(t, db, "a", "1")
		txnSet(t, db, "b", "2")

		size := db.Size()
		assert.Equal(t, int64(2), size.Versions)
		assert.True(t, size.LogSize > 0)
	})
}
