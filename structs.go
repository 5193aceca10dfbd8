package snapkv

import (
	"time"
)

const (
	// entryOverhead is added to the estimated size of every entry for its meta bytes and version.
	entryOverhead = 1 + 1 + 8 + 8
)

type (
	// Entry provides Key, Value, UserMeta and ExpiresAt. This struct can be used by the user to set data.
	Entry struct {
		Key       []byte
		Value     []byte
		UserMeta  byte
		ExpiresAt uint64 // time.Unix
		meta      byte
	}
)

// NewEntry creates a new entry with key and value passed in args. This newly created entry can be set in a transaction
// by calling txn.SetEntry(). All other properties of Entry can be set by calling WithMeta and WithTTL methods on it.
// This function uses key and value reference, hence users must not modify key and value until the end of
// transaction.
func NewEntry(key, value []byte) *Entry {
	return &Entry{
		Key:   key,
		Value: value,
	}
}

// WithMeta adds meta data to Entry e. This byte is stored alongside the key and can be used as an aid to interpret
// the value or store other contextual bits corresponding to the key-value pair of entry.
func (e *Entry) WithMeta(meta byte) *Entry {
	e.UserMeta = meta
	return e
}

// WithTTL adds time to live duration to Entry e. Entry stored with a TTL would automatically expire after the time
// has elapsed, and will be eligible for garbage collection.
func (e *Entry) WithTTL(dur time.Duration) *Entry {
	e.ExpiresAt = uint64(time.Now().Add(dur).Unix())
	return e
}

func (e *Entry) estimateSize() int64 {
	return int64(len(e.Key) + len(e.Value) + entryOverhead)
}

func (e *Entry) isDeleted() bool {
	return e.meta&bitDelete > 0
}
