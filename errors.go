package snapkv

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

var (
	// ErrConflict is returned when a transaction conflicts with another transaction. This can happen if the read
	// rows had been updated concurrently by another transaction. The whole transaction should be retried from Begin.
	ErrConflict = errors.New("Transaction Conflict. Please retry")

	// ErrKeyNotFound is returned when key isn't found on a txn.Get.
	ErrKeyNotFound = errors.New("Key not found")

	// ErrDiscardedTxn is returned if a previously committed or rolled back transaction is used again.
	ErrDiscardedTxn = errors.New("This transaction has been discarded. Create a new one")

	// ErrReadOnlyTxn is returned if an update function is called on a read-only transaction.
	ErrReadOnlyTxn = errors.New("No sets or deletes are allowed in a read-only transaction")

	// ErrEmptyKey is returned if an empty key is passed on an update function.
	ErrEmptyKey = errors.New("Key cannot be empty")

	// ErrInvalidKey is returned if the key has a special !snapkv! prefix, reserved for internal usage.
	ErrInvalidKey = errors.New("Key is using a reserved !snapkv! prefix")

	// ErrTxnTooBig is returned if too many writes are fit into a single transaction.
	ErrTxnTooBig = errors.New("Txn is too big to fit into one request")

	// ErrDBClosed is returned when a transaction is started or used after the DB has been closed.
	ErrDBClosed = errors.New("DB Closed")

	// ErrInvalidRequest is returned if the user request is invalid.
	ErrInvalidRequest = errors.New("Invalid request")
)

func exceedsSize(prefix string, max int64, key []byte) error {
	end := len(key)
	if end > 1<<10 {
		end = 1 << 10
	}

	return errors.Errorf("%s with size %d exceeded %d limit. %s:\n%s",
		prefix, len(key), max, prefix, hex.Dump(key[:end]))
}
