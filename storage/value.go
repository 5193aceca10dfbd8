package storage

import (
	"encoding/binary"

	"github.com/dgraph-io/ristretto"
	"github.com/elliotcourant/snapkv/z"
)

const (
	// valuePointerSize is the number of bytes an encoded valuePointer takes up.
	valuePointerSize = 8 + 4 + 4
)

type (
	// valuePointer is kept in the version index in place of a value that was too large to keep inline. It points at
	// the raw value bytes inside of a batch in the commit log.
	valuePointer struct {
		Fid    uint64
		Len    uint32
		Offset uint32
	}

	// valueReader resolves value pointers through a cache before falling back to the commit log.
	valueReader struct {
		log   *commitLog
		cache *ristretto.Cache
	}
)

// Encode encodes Pointer into byte buffer.
func (v valuePointer) Encode() []byte {
	b := make([]byte, valuePointerSize)
	binary.BigEndian.PutUint64(b[0:8], v.Fid)
	binary.BigEndian.PutUint32(b[8:12], v.Len)
	binary.BigEndian.PutUint32(b[12:16], v.Offset)
	return b
}

// Decode decodes the value pointer from the provided byte buffer.
func (v *valuePointer) Decode(b []byte) {
	z.AssertTruef(len(b) == valuePointerSize, "value pointer must be %d bytes, got %d", valuePointerSize, len(b))
	v.Fid = binary.BigEndian.Uint64(b[0:8])
	v.Len = binary.BigEndian.Uint32(b[8:12])
	v.Offset = binary.BigEndian.Uint32(b[12:16])
}

// cacheKey is unique for every value that has ever been written, values are never moved within a single log file.
func (v valuePointer) cacheKey() uint64 {
	return v.Fid<<32 | uint64(v.Offset)
}

func newValueReader(log *commitLog, cacheSize int64) (*valueReader, error) {
	reader := &valueReader{
		log: log,
	}

	if cacheSize <= 0 {
		return reader, nil
	}

	// Values are large, so there are far fewer of them than bytes in the cache.
	counters := cacheSize / 64
	if counters < 1024 {
		counters = 1024
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	reader.cache = cache

	return reader, nil
}

// read returns the value that the encoded pointer refers to. errStaleValuePointer is returned when the log has been
// rewritten since the pointer was taken from the index.
func (r *valueReader) read(encodedPointer []byte) ([]byte, error) {
	var pointer valuePointer
	pointer.Decode(encodedPointer)

	if r.cache != nil {
		if value, ok := r.cache.Get(pointer.cacheKey()); ok {
			return value.([]byte), nil
		}
	}

	value, err := r.log.read(pointer)
	if err != nil {
		return nil, err
	}

	r.remember(pointer, value)

	return value, nil
}

// remember puts the value in the cache. Setting is best effort, the cache is free to drop it.
func (r *valueReader) remember(pointer valuePointer, value []byte) {
	if r.cache == nil {
		return
	}

	r.cache.Set(pointer.cacheKey(), value, int64(len(value)))
}

func (r *valueReader) close() {
	if r.cache != nil {
		r.cache.Close()
	}
}
