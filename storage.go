package snapkv

//go:generate mockgen -source=storage.go -destination=storage_mock_test.go -package=snapkv

import (
	"context"

	"github.com/elliotcourant/snapkv/pb"
	"github.com/elliotcourant/snapkv/storage"
	"github.com/elliotcourant/snapkv/z"
)

const (
	bitDelete = z.BitDelete
)

var (
	// snapkvPrefix is the prefix of every key that is reserved for internal usage.
	snapkvPrefix = []byte("!snapkv!")
)

type (
	// Storage is the versioned key value store that transactions read from and commit to. A DB never writes to it
	// concurrently, batches arrive one at a time in increasing commit timestamp order.
	Storage interface {
		// WriteBatch durably writes every entry of the batch at the batch's commit timestamp. The batch must be applied
		// completely or not at all.
		WriteBatch(ctx context.Context, batch *pb.Batch) error

		// ReadAt returns the newest version of the key at or before ts, including tombstones. The bool is false when
		// there is no such version.
		ReadAt(ctx context.Context, key []byte, ts uint64) (z.ValueStruct, bool, error)

		// MaxVersion returns the highest commit timestamp that has been persisted. Timestamps handed out after a
		// restart continue from here.
		MaxVersion() uint64

		// DiscardBelow may drop any version that is not visible to a snapshot at or after safeTs. It returns how many
		// versions were dropped.
		DiscardBelow(ctx context.Context, safeTs uint64) (int, error)

		Close() error
	}

	// sizer is implemented by storage that can report how much it is holding.
	sizer interface {
		Size() storage.Size
	}
)

var _ Storage = &storage.Store{}
