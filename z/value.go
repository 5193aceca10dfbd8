package z

import (
	"encoding/binary"
	"time"
)

const (
	// ValueStructHeaderSize is the number of bytes used to encode everything in a ValueStruct except the Value.
	ValueStructHeaderSize = 1 + 1 + 8
)

type (
	// ValueStruct represents the value info that can be associated with a key, but also the internal
	// Meta field.
	ValueStruct struct {
		Meta      uint8
		UserMeta  uint8
		ExpiresAt uint64
		Value     []byte

		Version uint64 // This field is not serialized. Only for internal usage.
	}
)

// EncodedSize is the size (in bytes) of the ValueStruct once it has been marshalled.
func (v *ValueStruct) EncodedSize() uint32 {
	return ValueStructHeaderSize + uint32(len(v.Value))
}

// Marshal encodes the ValueStruct into the destination byte array provided. The destination byte array must be at least
// the encoded size of the ValueStruct.
func (v *ValueStruct) Marshal(dst []byte) {
	dst[0] = v.Meta
	dst[1] = v.UserMeta
	binary.BigEndian.PutUint64(dst[2:2+8], v.ExpiresAt)
	copy(dst[ValueStructHeaderSize:], v.Value)
}

// Unmarshal decodes the ValueStruct from the source bytes. The source bytes must be at least 10 bytes to not cause an
// invalid index panic. The Value is not copied, it will reference the source.
func (v *ValueStruct) Unmarshal(src []byte) {
	v.Meta = src[0]
	v.UserMeta = src[1]
	v.ExpiresAt = binary.BigEndian.Uint64(src[2 : 2+8])
	v.Value = src[ValueStructHeaderSize:]
}

// ValueOffset is the offset of the Value within the marshalled ValueStruct.
func (v *ValueStruct) ValueOffset() uint32 {
	return ValueStructHeaderSize
}

// IsDeleted returns true if this version is a tombstone.
func (v *ValueStruct) IsDeleted() bool {
	return v.Meta&BitDelete > 0
}

// IsExpired returns true if the version has a TTL (ExpiresAt in unix seconds) that has already passed.
func (v *ValueStruct) IsExpired() bool {
	return IsExpired(v.ExpiresAt)
}

// IsDeletedOrExpired is used by readers to decide if a version should be treated as missing.
func (v *ValueStruct) IsDeletedOrExpired() bool {
	return v.IsDeleted() || v.IsExpired()
}

// IsExpired checks an ExpiresAt value (unix seconds, zero meaning no TTL) against the current time.
func IsExpired(expiresAt uint64) bool {
	if expiresAt == 0 {
		return false
	}

	return expiresAt <= uint64(time.Now().Unix())
}
