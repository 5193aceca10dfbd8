package snapkv

import (
	"fmt"
)

type (
	// Item is returned during a Get. It is only valid until the transaction that returned it has been committed or
	// discarded.
	Item struct {
		key       []byte
		value     []byte
		version   uint64
		userMeta  byte
		expiresAt uint64
	}
)

// String returns a string representation of Item
func (item *Item) String() string {
	return fmt.Sprintf("key=%q, version=%d, meta=%x", item.Key(), item.Version(), item.userMeta)
}

// Key returns the key.
//
// Key is only valid as long as item is valid, or transaction is valid. If you need to use it outside its validity,
// please use KeyCopy.
func (item *Item) Key() []byte {
	return item.key
}

// KeyCopy returns a copy of the key of the item, writing it to dst slice. If nil is passed, or capacity of dst isn't
// sufficient, a new slice would be allocated and returned.
func (item *Item) KeyCopy(dst []byte) []byte {
	return append(dst[:0], item.key...)
}

// Version returns the commit timestamp of the item. A value that was written by the transaction that read it reports
// that transaction's read timestamp.
func (item *Item) Version() uint64 {
	return item.version
}

// Value calls fn with the value of the item. The slice passed to fn is only valid while fn runs and must not be
// modified.
func (item *Item) Value(fn func(val []byte) error) error {
	return fn(item.value)
}

// ValueCopy returns a copy of the value of the item, writing it to dst slice. If nil is passed, or capacity of dst
// isn't sufficient, a new slice would be allocated and returned.
func (item *Item) ValueCopy(dst []byte) ([]byte, error) {
	return append(dst[:0], item.value...), nil
}

// UserMeta returns the userMeta set by the user. Typically, this byte, optionally set by the user is used to interpret
// the value.
func (item *Item) UserMeta() byte {
	return item.userMeta
}

// ExpiresAt returns a Unix time value indicating when the item will be considered expired. 0 indicates that the item
// will never expire.
func (item *Item) ExpiresAt() uint64 {
	return item.expiresAt
}

// EstimatedSize returns the approximate size of the key-value pair.
func (item *Item) EstimatedSize() int64 {
	return int64(len(item.key) + len(item.value))
}
