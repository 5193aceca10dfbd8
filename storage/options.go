package storage

import (
	"github.com/elliotcourant/snapkv/options"
)

const (
	// maxValueThreshold is the largest value that can be kept inline in the version index. Anything bigger than the
	// configured threshold is read back from the commit log through a value pointer.
	maxValueThreshold = 1 << 20
)

type (
	// Options are the parameters used to open a Store.
	Options struct {
		// Dir is the directory the commit log and the lock file are kept in. It must be empty when InMemory is set.
		Dir string

		// InMemory keeps every version in memory only, nothing is written to disk and nothing survives a Close.
		InMemory bool

		// ReadOnly opens an existing store without the ability to write to it. Several read-only stores can be open
		// on the same directory at once.
		ReadOnly bool

		// SyncMode controls whether a batch is flushed to stable storage before WriteBatch returns.
		SyncMode options.SyncMode

		// ChecksumVerificationMode controls whether records are verified as the commit log is replayed.
		ChecksumVerificationMode options.ChecksumVerificationMode

		// NumPartitions is the number of independently locked partitions the version index is split into.
		NumPartitions int

		// ExpectedKeys is used to size the bloom filter of each partition.
		ExpectedKeys int

		// ValueThreshold is the size (in bytes) at which a value stops being kept in the version index and is read
		// back from the commit log instead.
		ValueThreshold int

		// ValueCacheSize is the maximum number of bytes of log resident values to keep cached.
		ValueCacheSize int64

		// LogRewriteThreshold is the number of discarded versions that must accumulate before the commit log is
		// rewritten to drop them from disk.
		LogRewriteThreshold int

		// NumCompactors is the number of partitions that are swept concurrently by DiscardBelow.
		NumCompactors int
	}
)

// DefaultOptions returns a set of options that are reasonable for most stores kept in the provided directory.
func DefaultOptions(directory string) Options {
	return Options{
		Dir:                      directory,
		SyncMode:                 options.SyncOnCommit,
		ChecksumVerificationMode: options.OnReplay,
		NumPartitions:            8,
		ExpectedKeys:             1 << 16,
		ValueThreshold:           1 << 10,
		ValueCacheSize:           64 << 20,
		LogRewriteThreshold:      10000,
		NumCompactors:            4,
	}
}

// WithInMemory returns a new Options value with InMemory set to the given value. The directory is cleared because an
// in memory store does not use one.
func (opts Options) WithInMemory(val bool) Options {
	opts.InMemory = val
	if val {
		opts.Dir = ""
	}
	return opts
}

// WithReadOnly returns a new Options value with ReadOnly set to the given value.
func (opts Options) WithReadOnly(val bool) Options {
	opts.ReadOnly = val
	return opts
}

// WithSyncMode returns a new Options value with SyncMode set to the given value.
func (opts Options) WithSyncMode(val options.SyncMode) Options {
	opts.SyncMode = val
	return opts
}

// WithNumPartitions returns a new Options value with NumPartitions set to the given value.
func (opts Options) WithNumPartitions(val int) Options {
	opts.NumPartitions = val
	return opts
}

// WithValueThreshold returns a new Options value with ValueThreshold set to the given value.
func (opts Options) WithValueThreshold(val int) Options {
	opts.ValueThreshold = val
	return opts
}

// WithLogRewriteThreshold returns a new Options value with LogRewriteThreshold set to the given value.
func (opts Options) WithLogRewriteThreshold(val int) Options {
	opts.LogRewriteThreshold = val
	return opts
}
