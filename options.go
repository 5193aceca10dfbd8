package snapkv

import (
	"bytes"
	"io/ioutil"
	"time"

	"github.com/elliotcourant/snapkv/options"
	"github.com/elliotcourant/snapkv/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// maxKeySize is the largest key a transaction will accept.
	maxKeySize = 65000

	// maxValueSize is the largest value a transaction will accept. Values are addressed with 32 bit offsets in the
	// commit log.
	maxValueSize = 1 << 30

	// writeChannelCapacity is the number of commits that can be waiting for the write loop.
	writeChannelCapacity = 1000
)

type (
	// Options are params for creating DB object.
	//
	// This package provides DefaultOptions which contains options that should work for most applications. Consider
	// using that as a starting point before customizing it for your own needs.
	//
	// Each option X is documented on the WithX method.
	Options struct {
		Dir             string `yaml:"dir"`
		InMemory        bool   `yaml:"in_memory"`
		ReadOnly        bool   `yaml:"read_only"`
		SyncWrites      bool   `yaml:"sync_writes"`
		VerifyChecksums bool   `yaml:"verify_checksums"`
		EventLogging    bool   `yaml:"event_logging"`

		NumPartitions       int   `yaml:"num_partitions"`
		ExpectedKeys        int   `yaml:"expected_keys"`
		ValueThreshold      int   `yaml:"value_threshold"`
		ValueCacheSize      int64 `yaml:"value_cache_size"`
		LogRewriteThreshold int   `yaml:"log_rewrite_threshold"`
		NumCompactors       int   `yaml:"num_compactors"`

		DetectConflicts bool          `yaml:"detect_conflicts"`
		GCInterval      time.Duration `yaml:"gc_interval"`
		MaxBatchCount   int64         `yaml:"max_batch_count"`
		MaxBatchSize    int64         `yaml:"max_batch_size"`
	}
)

// DefaultOptions sets a list of recommended options for good performance. Feel free to modify these to suit your
// needs with the WithX methods.
func DefaultOptions(path string) Options {
	return Options{
		Dir:                 path,
		SyncWrites:          true,
		VerifyChecksums:     true,
		EventLogging:        false,
		NumPartitions:       8,
		ExpectedKeys:        1 << 16,
		ValueThreshold:      1 << 10,
		ValueCacheSize:      64 << 20,
		LogRewriteThreshold: 10000,
		NumCompactors:       4,
		DetectConflicts:     true,
		GCInterval:          time.Minute,
		MaxBatchCount:       100000,
		MaxBatchSize:        64 << 20,
	}
}

// LoadOptions reads options from a YAML file. Anything the file does not set keeps the value from DefaultOptions, an
// unknown field is an error.
func LoadOptions(path string) (Options, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrapf(err, "failed to read options file %q", path)
	}

	opts := DefaultOptions("")
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&opts); err != nil {
		return Options{}, errors.Wrapf(err, "failed to parse options file %q", path)
	}

	return opts, nil
}

// WithDir returns a new Options value with Dir set to the given value.
//
// Dir is the path of the directory where the commit log is stored.
func (opt Options) WithDir(val string) Options {
	opt.Dir = val
	return opt
}

// WithInMemory returns a new Options value with InMemory mode set to the given value.
//
// When InMemory is set, everything is stored in memory. No files are created and nothing survives a Close. Dir must
// be empty.
func (opt Options) WithInMemory(val bool) Options {
	opt.InMemory = val
	return opt
}

// WithReadOnly returns a new Options value with ReadOnly set to the given value.
//
// When ReadOnly is true the DB will be opened on a read-only mode. Multiple processes can open the same DB in
// read-only mode. Update transactions fail with ErrReadOnlyTxn.
func (opt Options) WithReadOnly(val bool) Options {
	opt.ReadOnly = val
	return opt
}

// WithSyncWrites returns a new Options value with SyncWrites set to the given value.
//
// When SyncWrites is true all commits are flushed to stable storage before the commit returns. Without this, a crash
// can lose recently committed transactions.
func (opt Options) WithSyncWrites(val bool) Options {
	opt.SyncWrites = val
	return opt
}

// WithVerifyChecksums returns a new Options value with VerifyChecksums set to the given value.
//
// When VerifyChecksums is true every record of the commit log is verified while it is replayed on open.
func (opt Options) WithVerifyChecksums(val bool) Options {
	opt.VerifyChecksums = val
	return opt
}

// WithEventLogging returns a new Options value with EventLogging set to the given value.
//
// EventLogging provides a way to enable or disable trace.EventLog logging for the timestamp watermarks.
func (opt Options) WithEventLogging(val bool) Options {
	opt.EventLogging = val
	return opt
}

// WithNumPartitions returns a new Options value with NumPartitions set to the given value.
//
// NumPartitions is the number of independently locked partitions the version index is split into.
func (opt Options) WithNumPartitions(val int) Options {
	opt.NumPartitions = val
	return opt
}

// WithValueThreshold returns a new Options value with ValueThreshold set to the given value.
//
// ValueThreshold sets the threshold used to decide whether a value is kept in the version index or read back from
// the commit log when it is needed.
func (opt Options) WithValueThreshold(val int) Options {
	opt.ValueThreshold = val
	return opt
}

// WithValueCacheSize returns a new Options value with ValueCacheSize set to the given value.
//
// ValueCacheSize is the maximum number of bytes of values read from the commit log to keep cached.
func (opt Options) WithValueCacheSize(val int64) Options {
	opt.ValueCacheSize = val
	return opt
}

// WithLogRewriteThreshold returns a new Options value with LogRewriteThreshold set to the given value.
//
// LogRewriteThreshold is the number of versions that must be garbage collected before the commit log is rewritten.
func (opt Options) WithLogRewriteThreshold(val int) Options {
	opt.LogRewriteThreshold = val
	return opt
}

// WithNumCompactors returns a new Options value with NumCompactors set to the given value.
//
// NumCompactors is the number of partitions that are garbage collected concurrently.
func (opt Options) WithNumCompactors(val int) Options {
	opt.NumCompactors = val
	return opt
}

// WithDetectConflicts returns a new Options value with DetectConflicts set to the given value.
//
// Detect conflicts options determines if the transactions would be checked for conflicts before committing them.
// When this option is set to false (detectConflicts=false) the keys read and written by a transaction are not
// tracked and every commit succeeds.
func (opt Options) WithDetectConflicts(b bool) Options {
	opt.DetectConflicts = b
	return opt
}

// WithGCInterval returns a new Options value with GCInterval set to the given value.
//
// GCInterval is how often versions below the oldest safe timestamp are garbage collected in the background. Zero
// disables the background collection, RunGC can still be called directly.
func (opt Options) WithGCInterval(val time.Duration) Options {
	opt.GCInterval = val
	return opt
}

// WithMaxBatchCount returns a new Options value with MaxBatchCount set to the given value.
//
// MaxBatchCount is the largest number of writes a single transaction can hold before ErrTxnTooBig is returned.
func (opt Options) WithMaxBatchCount(val int64) Options {
	opt.MaxBatchCount = val
	return opt
}

// WithMaxBatchSize returns a new Options value with MaxBatchSize set to the given value.
//
// MaxBatchSize is the largest estimated size in bytes a single transaction can write before ErrTxnTooBig is
// returned.
func (opt Options) WithMaxBatchSize(val int64) Options {
	opt.MaxBatchSize = val
	return opt
}

func (opt Options) validate() error {
	if opt.InMemory && opt.Dir != "" {
		return errors.New("Cannot use snapkv in Disk-less mode with Dir set")
	}

	if opt.MaxBatchCount < 1 || opt.MaxBatchSize < 1 {
		return errors.Errorf(
			"Invalid batch limits, count: %d size: %d must both be positive", opt.MaxBatchCount, opt.MaxBatchSize,
		)
	}

	if opt.GCInterval < 0 {
		return errors.Errorf("Invalid GCInterval %s, must not be negative", opt.GCInterval)
	}

	return nil
}

func (opt Options) storageOptions() storage.Options {
	syncMode := options.SyncNever
	if opt.SyncWrites {
		syncMode = options.SyncOnCommit
	}

	verification := options.NoVerification
	if opt.VerifyChecksums {
		verification = options.OnReplay
	}

	return storage.Options{
		Dir:                      opt.Dir,
		InMemory:                 opt.InMemory,
		ReadOnly:                 opt.ReadOnly,
		SyncMode:                 syncMode,
		ChecksumVerificationMode: verification,
		NumPartitions:            opt.NumPartitions,
		ExpectedKeys:             opt.ExpectedKeys,
		ValueThreshold:           opt.ValueThreshold,
		ValueCacheSize:           opt.ValueCacheSize,
		LogRewriteThreshold:      opt.LogRewriteThreshold,
		NumCompactors:            opt.NumCompactors,
	}
}
